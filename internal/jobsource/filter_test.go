package jobsource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/jobsource/memory"
)

func TestFilterAccept(t *testing.T) {
	t.Parallel()

	f := NewFilter(nil, FilterConfig{MinMatchScore: 70, ExcludeKeywords: []string{" Intern ", "", "unpaid"}})
	cases := []struct {
		name string
		item apply.WorkItem
		want bool
	}{
		{"high score", apply.WorkItem{Title: "Engineer", Metadata: map[string]string{"match_score": "88.5"}}, true},
		{"low score", apply.WorkItem{Title: "Engineer", Metadata: map[string]string{"match_score": "61"}}, false},
		{"no score", apply.WorkItem{Title: "Engineer"}, true},
		{"bad score", apply.WorkItem{Title: "Engineer", Metadata: map[string]string{"match_score": "n/a"}}, true},
		{"keyword", apply.WorkItem{Title: "Software INTERN, Summer", Metadata: map[string]string{"match_score": "95"}}, false},
		{"second keyword", apply.WorkItem{Title: "Unpaid fellowship"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, f.Accept(tc.item))
		})
	}
}

func TestFilterFetchWorkItems(t *testing.T) {
	t.Parallel()

	src := memory.New(
		apply.WorkItem{ID: "a", Title: "Backend Engineer", Metadata: map[string]string{"match_score": "90"}},
		apply.WorkItem{ID: "b", Title: "Backend Engineer", Metadata: map[string]string{"match_score": "50"}},
		apply.WorkItem{ID: "c", Title: "Engineering Intern", Metadata: map[string]string{"match_score": "80"}},
		apply.WorkItem{ID: "d", Title: "Data Engineer"},
	)
	f := NewFilter(src, FilterConfig{MinMatchScore: 70, ExcludeKeywords: []string{"intern"}})
	require.True(t, FilterConfig{MinMatchScore: 70}.Enabled())
	require.False(t, FilterConfig{}.Enabled())

	ctx := context.Background()
	session, err := f.Authenticate(ctx, apply.Credentials{Email: "a@b.c", Password: "pw"})
	require.NoError(t, err)

	items, err := f.FetchWorkItems(ctx, session, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	require.Equal(t, []string{"a", "d"}, ids)
}

func TestFilterPropagatesErrors(t *testing.T) {
	t.Parallel()

	src := memory.New()
	src.FailFetch(apply.ErrTransport)
	f := NewFilter(src, FilterConfig{MinMatchScore: 70})
	_, err := f.FetchWorkItems(context.Background(), apply.Session{Token: "t"}, 5)
	require.ErrorIs(t, err, apply.ErrTransport)
}
