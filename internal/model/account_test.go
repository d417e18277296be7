package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountValidate(t *testing.T) {
	ok := Account{ID: "g", Kind: ProviderGoogle, Meta: ProviderMeta{Gmail: &GmailMeta{UserID: "me"}}}
	assert.NoError(t, ok.Validate())

	bad := []Account{
		{Kind: ProviderGoogle},
		{ID: "x", Kind: "pop3"},
		{ID: "g", Kind: ProviderGoogle, Meta: ProviderMeta{Graph: &GraphMeta{}}},
		{ID: "m", Kind: ProviderMicrosoft, Meta: ProviderMeta{Gmail: &GmailMeta{}, Graph: &GraphMeta{}}},
		{ID: "i", Kind: ProviderIMAP},
	}
	for _, a := range bad {
		assert.ErrorIs(t, a.Validate(), ErrInvalidInput, a.ID)
	}
}

func TestMetaRoundTripDropsForeignVariants(t *testing.T) {
	raw, err := EncodeMeta(ProviderMeta{IMAP: &IMAPMeta{Host: "h"}, Gmail: &GmailMeta{UserID: "me"}})
	require.NoError(t, err)

	m, err := DecodeMeta(ProviderIMAP, raw)
	require.NoError(t, err)
	assert.Nil(t, m.Gmail)
	require.NotNil(t, m.IMAP)
	assert.Equal(t, "h", m.IMAP.Host)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", Snippet("  a\n\tb   c "))
	long := make([]rune, 600)
	for i := range long {
		long[i] = 'é'
	}
	assert.Len(t, []rune(Snippet(string(long))), 500)
}

func TestReplyItemHasDraft(t *testing.T) {
	s, b, blank := "Re: x", "body", "  "
	assert.True(t, ReplyItem{DraftSubject: &s, DraftBody: &b}.HasDraft())
	assert.False(t, ReplyItem{DraftSubject: &s}.HasDraft())
	assert.False(t, ReplyItem{DraftSubject: &s, DraftBody: &blank}.HasDraft())
}
