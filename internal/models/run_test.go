package models

import "testing"

func TestSummarizeTask(t *testing.T) {
	task := Task{ID: "task-1", Kind: KindTweet}

	tests := []struct {
		name string
		runs []RunRecord
		want TaskState
	}{
		{"no runs", nil, TaskCompleted},
		{"one running", []RunRecord{{Status: RunSuccess}, {Status: RunRunning}}, TaskRunning},
		{"all failed", []RunRecord{{Status: RunFailed}, {Status: RunFailed}}, TaskFailed},
		{"some failed", []RunRecord{{Status: RunFailed}, {Status: RunPartial}}, TaskCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SummarizeTask(task, tt.runs).Status; got != tt.want {
				t.Errorf("SummarizeTask().Status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarizeTask_SumsCounts(t *testing.T) {
	got := SummarizeTask(Task{ID: "t"}, []RunRecord{
		{Status: RunSuccess, ItemsFound: 5, ItemsNew: 3, Duplicates: 1, Skipped: 1},
		{Status: RunSuccess, ItemsFound: 2, ItemsNew: 2},
	})

	if got.ItemsFound != 7 || got.ItemsNew != 5 || got.Duplicates != 1 || got.Skipped != 1 {
		t.Errorf("SummarizeTask() counts = %+v", got)
	}
}

func TestNewTweetSource(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		mode    SourceMode
		wantKey string
		wantErr bool
	}{
		{"username with at", "@DrSpine", ModeUser, "drspine", false},
		{"default mode", "spine_doc", "", "spine_doc", false},
		{"username too long", "abcdefghijklmnopq", ModeUser, "", true},
		{"username with space", "dr spine", ModeUser, "", true},
		{"keyword", "spinal fusion", ModeKeyword, "spinal fusion", false},
		{"keyword keeps one key per spelling", "  Spine   Surgery ", ModeKeyword, "spine surgery", false},
		{"keyword that is a handle", "@drspine", ModeKeyword, "", true},
		{"empty keyword", "  ", ModeKeyword, "", true},
		{"unknown mode", "x", SourceMode("list"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewTweetSource(tt.key, "", tt.mode)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTweetSource() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && src.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", src.Key, tt.wantKey)
			}
			if err == nil && (src.Kind != KindTweet || !src.Enabled) {
				t.Errorf("NewTweetSource() = %+v, want enabled tweet source", src)
			}
		})
	}
}

func TestSourceKey(t *testing.T) {
	tests := []struct {
		kind Kind
		raw  string
		want string
	}{
		{KindTweet, "@DrSpine", "drspine"},
		{KindTweet, " DrSpine ", "drspine"},
		{KindTweet, "Spine  Surgery", "spine surgery"},
		{KindArticle, " Beckers_Spine", "beckers_spine"},
	}

	for _, tt := range tests {
		if got := SourceKey(tt.kind, tt.raw); got != tt.want {
			t.Errorf("SourceKey(%s, %q) = %q, want %q", tt.kind, tt.raw, got, tt.want)
		}
	}

	// Keys built from user input are found again by the raw spelling.
	for _, raw := range []string{"Spine Surgery", "@DrSpine"} {
		mode := ModeKeyword
		if raw[0] == '@' {
			mode = ModeUser
		}
		src, err := NewTweetSource(raw, "", mode)
		if err != nil {
			t.Fatalf("NewTweetSource(%q) error = %v", raw, err)
		}
		if got := SourceKey(KindTweet, raw); got != src.Key {
			t.Errorf("SourceKey(%q) = %q, stored key %q", raw, got, src.Key)
		}
	}
}

func TestNewSiteSource(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		listing string
		wantErr bool
	}{
		{"valid", "Spine_Weekly", "https://spineweekly.example/news/", false},
		{"relative url", "spine_weekly", "/news", true},
		{"ftp url", "spine_weekly", "ftp://spineweekly.example/", true},
		{"bad key", "spine weekly", "https://spineweekly.example/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewSiteSource(tt.key, "", tt.listing)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSiteSource() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if src.Key != "spine_weekly" || src.Kind != KindArticle || src.Mode != ModeSite || src.BuiltIn {
				t.Errorf("NewSiteSource() = %+v", src)
			}
		})
	}
}

func TestDetectMediaType(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		want   string
		wantOK bool
	}{
		{"png", []byte("\x89PNG\r\n\x1a\nrest"), "image/png", true},
		{"jpeg", []byte("\xff\xd8\xff\xe0rest"), "image/jpeg", true},
		{"gif", []byte("GIF89a rest"), "image/gif", true},
		{"html", []byte("<!DOCTYPE html><script></script>"), "text/html", false},
		{"svg", []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"></svg>`), "text/xml", false},
		{"empty", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectMediaType(tt.data)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("DetectMediaType() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
