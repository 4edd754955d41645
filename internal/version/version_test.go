package version

import (
	"strings"
	"testing"
)

func TestBanner(t *testing.T) {
	tests := []struct {
		name   string
		commit string
		want   string
	}{
		{"long commit is shortened", "0123456789abcdef", "(0123456,"},
		{"short commit is kept", "abc", "(abc,"},
		{"unknown commit", "unknown", "(unknown,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := GitCommit
			GitCommit = tt.commit
			defer func() { GitCommit = old }()

			got := Banner()
			if !strings.HasPrefix(got, Name+" "+Version+" ") || !strings.Contains(got, tt.want) {
				t.Errorf("Banner() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestClientName(t *testing.T) {
	if got, want := ClientName("publisher"), "camfeed-publisher/"+Version; got != want {
		t.Errorf("ClientName = %q, want %q", got, want)
	}
}
