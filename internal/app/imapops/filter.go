package imapops

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/emersion/go-imap/v2"
)

/*
	Filter expression syntax

	Expression:
		Term || Expression
		Term

	Term:
		Unary && Term
		Unary

	Unary:
		!Unary
		Primary

	Primary:
		FlagToken
		HeaderToken == String
		HeaderToken != String
		MsgToken == String
		MsgToken != String
		( Expression )

	Strings are single or double quoted. Tokens are case-insensitive.
*/

// ParseFilter turns a filter expression such as
// "UNSEEN && (FROM == 'boss@corp' || SUBJECT == 'urgent')"
// into IMAP search criteria.
func ParseFilter(expr string) (*imap.SearchCriteria, error) {
	p := &filterParser{src: []rune(expr)}

	criteria, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("unexpected '%c' at position %d", p.peek(), p.pos)
	}

	return criteria, nil
}

type filterParser struct {
	src []rune
	pos int
}

func (p *filterParser) eof() bool { return p.pos >= len(p.src) }

func (p *filterParser) peek() rune {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *filterParser) skipSpace() {
	for !p.eof() && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

// consume advances past op when it is next in the input.
func (p *filterParser) consume(op string) bool {
	p.skipSpace()
	end := p.pos + len([]rune(op))
	if end > len(p.src) || string(p.src[p.pos:end]) != op {
		return false
	}
	p.pos = end
	return true
}

func (p *filterParser) parseExpression() (*imap.SearchCriteria, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	if !p.consume("||") {
		return left, nil
	}

	right, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	return &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{{*left, *right}},
	}, nil
}

func (p *filterParser) parseTerm() (*imap.SearchCriteria, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	if !p.consume("&&") {
		return left, nil
	}

	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	left.And(right)
	return left, nil
}

func (p *filterParser) parseUnary() (*imap.SearchCriteria, error) {
	p.skipSpace()
	if p.peek() == '!' && !p.atCompareOp() {
		p.pos++

		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return negate(inner), nil
	}

	return p.parsePrimary()
}

// atCompareOp reports whether input continues with "!=".
func (p *filterParser) atCompareOp() bool {
	return p.pos+1 < len(p.src) && p.src[p.pos] == '!' && p.src[p.pos+1] == '='
}

func (p *filterParser) parsePrimary() (*imap.SearchCriteria, error) {
	p.skipSpace()
	if p.eof() {
		return nil, errors.New("unexpected end of filter expression")
	}

	if p.peek() == '(' {
		p.pos++

		criteria, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}

		return criteria, nil
	}

	token := strings.ToUpper(p.parseToken())
	if token == "" {
		return nil, fmt.Errorf("unexpected '%c' at position %d", p.peek(), p.pos)
	}

	if _, ok := flagTokens[token]; ok {
		return flagCriteria(token), nil
	}

	var equal bool
	switch {
	case p.consume("=="):
		equal = true
	case p.consume("!="):
	default:
		return nil, fmt.Errorf("expected '==' or '!=' after %q", token)
	}

	value, err := p.parseQuoted()
	if err != nil {
		return nil, err
	}

	criteria := compareCriteria(token, value)
	if !equal {
		return negate(criteria), nil
	}
	return criteria, nil
}

func (p *filterParser) parseToken() string {
	p.skipSpace()

	start := p.pos
	for !p.eof() && (unicode.IsLetter(p.src[p.pos]) || p.src[p.pos] == '-') {
		p.pos++
	}

	return string(p.src[start:p.pos])
}

func (p *filterParser) parseQuoted() (string, error) {
	p.skipSpace()

	quote := p.peek()
	if quote != '\'' && quote != '"' {
		if p.eof() {
			return "", errors.New("expected quoted string but got end of input")
		}
		return "", fmt.Errorf("expected starting quote but got '%c'", quote)
	}
	p.pos++

	var sb strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		p.pos++

		if c == quote {
			return sb.String(), nil
		}
		sb.WriteRune(c)
	}

	return "", errors.New("missing closing quote")
}

var flagTokens = map[string]imap.Flag{
	"JUNK":       imap.FlagJunk,
	"SEEN":       imap.FlagSeen,
	"UNSEEN":     imap.FlagSeen,
	"DRAFT":      imap.FlagDraft,
	"UNDRAFT":    imap.FlagDraft,
	"DELETED":    imap.FlagDeleted,
	"UNDELETED":  imap.FlagDeleted,
	"FLAGGED":    imap.FlagFlagged,
	"UNFLAGGED":  imap.FlagFlagged,
	"PHISHING":   imap.FlagPhishing,
	"FORWARDED":  imap.FlagForwarded,
	"IMPORTANT":  imap.FlagImportant,
	"ANSWERED":   imap.FlagAnswered,
	"UNANSWERED": imap.FlagAnswered,
}

func flagCriteria(token string) *imap.SearchCriteria {
	flag := flagTokens[token]
	if strings.HasPrefix(token, "UN") {
		return &imap.SearchCriteria{NotFlag: []imap.Flag{flag}}
	}
	return &imap.SearchCriteria{Flag: []imap.Flag{flag}}
}

func compareCriteria(key, value string) *imap.SearchCriteria {
	switch key {
	case "BODY":
		return &imap.SearchCriteria{Body: []string{value}}
	case "TEXT":
		return &imap.SearchCriteria{Text: []string{value}}
	default:
		return &imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{{
			Key:   key,
			Value: value,
		}}}
	}
}

// negate inverts c. A lone flag test flips between Flag and NotFlag,
// anything else is wrapped into NOT.
func negate(c *imap.SearchCriteria) *imap.SearchCriteria {
	if !isFlagOnly(c) {
		return &imap.SearchCriteria{Not: []imap.SearchCriteria{*c}}
	}

	if len(c.Flag) == 1 {
		return &imap.SearchCriteria{NotFlag: c.Flag}
	}
	return &imap.SearchCriteria{Flag: c.NotFlag}
}

func isFlagOnly(c *imap.SearchCriteria) bool {
	return len(c.Flag)+len(c.NotFlag) == 1 &&
		len(c.SeqNum) == 0 && len(c.UID) == 0 &&
		len(c.Header) == 0 && len(c.Body) == 0 && len(c.Text) == 0 &&
		len(c.Not) == 0 && len(c.Or) == 0 &&
		c.Larger == 0 && c.Smaller == 0 &&
		c.Since.IsZero() && c.Before.IsZero() &&
		c.SentSince.IsZero() && c.SentBefore.IsZero()
}
