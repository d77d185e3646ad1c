package imapops

import (
	"fmt"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestParseFilter(t *testing.T) {
	from := func(v string) imap.SearchCriteria {
		return imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{{Key: "FROM", Value: v}}}
	}

	tests := []struct {
		filterExpr     string
		expectedOutput *imap.SearchCriteria
	}{
		{
			filterExpr:     "SEEN",
			expectedOutput: &imap.SearchCriteria{Flag: []imap.Flag{imap.FlagSeen}},
		},
		{
			filterExpr:     "!SEEN",
			expectedOutput: &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}},
		},
		{
			filterExpr:     "unseen",
			expectedOutput: &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}},
		},
		{
			filterExpr:     "!UNFLAGGED",
			expectedOutput: &imap.SearchCriteria{Flag: []imap.Flag{imap.FlagFlagged}},
		},
		{
			filterExpr: "FROM == 'test@test.com'",
			expectedOutput: func() *imap.SearchCriteria {
				c := from("test@test.com")
				return &c
			}(),
		},
		{
			filterExpr: "FROM == 'test@test.com' && SEEN",
			expectedOutput: &imap.SearchCriteria{
				Header: []imap.SearchCriteriaHeaderField{{Key: "FROM", Value: "test@test.com"}},
				Flag:   []imap.Flag{imap.FlagSeen},
			},
		},
		{
			filterExpr: "FROM != \"spam@example.org\"",
			expectedOutput: &imap.SearchCriteria{
				Not: []imap.SearchCriteria{from("spam@example.org")},
			},
		},
		{
			filterExpr: "!JUNK || FROM == 'very.important@contact.com'",
			expectedOutput: &imap.SearchCriteria{
				Or: [][2]imap.SearchCriteria{{
					{NotFlag: []imap.Flag{imap.FlagJunk}},
					from("very.important@contact.com"),
				}},
			},
		},
		{
			filterExpr: "!(!JUNK || FROM == 'very.important@contact.com')",
			expectedOutput: &imap.SearchCriteria{
				Not: []imap.SearchCriteria{{
					Or: [][2]imap.SearchCriteria{{
						{NotFlag: []imap.Flag{imap.FlagJunk}},
						from("very.important@contact.com"),
					}},
				}},
			},
		},
		{
			filterExpr: "BODY == 'invoice' && TEXT == 'paid'",
			expectedOutput: &imap.SearchCriteria{
				Body: []string{"invoice"},
				Text: []string{"paid"},
			},
		},
		{
			filterExpr: "X-Priority == '1'",
			expectedOutput: &imap.SearchCriteria{
				Header: []imap.SearchCriteriaHeaderField{{Key: "X-PRIORITY", Value: "1"}},
			},
		},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("Case_%d", i), func(t *testing.T) {
			actual, err := ParseFilter(tt.filterExpr)
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedOutput, actual, "failed to parse %q", tt.filterExpr)
		})
	}
}

func TestParseFilterPrecedence(t *testing.T) {
	actual, err := ParseFilter("SEEN && FLAGGED || DRAFT")
	assert.NoError(t, err)
	assert.Equal(t, &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{{
			{Flag: []imap.Flag{imap.FlagSeen, imap.FlagFlagged}},
			{Flag: []imap.Flag{imap.FlagDraft}},
		}},
	}, actual)
}

func TestParseFilterErrors(t *testing.T) {
	tests := []string{
		"",
		"FROM == 'unterminated",
		"SEEN &&",
		"(SEEN",
		"SEEN)",
		"BOGUS",
		"FROM = 'x'",
		"FROM == x",
		"SEEN | FLAGGED",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseFilter(expr)
			assert.Error(t, err)
		})
	}
}
