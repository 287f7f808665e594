package digest

import (
	"encoding/json"
	"io"
	"time"

	"github.com/ppiankov/peekr/internal/store"
)

type jsonFeed struct {
	Meta  jsonFeedMeta `json:"meta"`
	Posts []jsonPost   `json:"posts"`
}

type jsonFeedMeta struct {
	Count  int    `json:"count"`
	Unread int    `json:"unread"`
	Filter string `json:"filter,omitempty"`
}

type jsonPost struct {
	ID         int64  `json:"id"`
	Platform   string `json:"platform"`
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	Content    string `json:"content"`
	MediaURL   string `json:"media_url,omitempty"`
	PostURL    string `json:"post_url,omitempty"`
	PostedAt   string `json:"posted_at"`
	Read       bool   `json:"read"`
}

type jsonReport struct {
	NewItems  int          `json:"new_items"`
	Failed    int          `json:"failed"`
	ElapsedMS int64        `json:"elapsed_ms"`
	Results   []jsonResult `json:"results"`
}

type jsonResult struct {
	Platform   string `json:"platform"`
	OK         bool   `json:"ok"`
	Count      int    `json:"count"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// JSONFormatter formats reports as JSON.
type JSONFormatter struct{}

// NewJSON creates a JSON formatter.
func NewJSON() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) Feed(w io.Writer, in FeedInput) error {
	out := jsonFeed{
		Meta: jsonFeedMeta{
			Count:  len(in.Posts),
			Unread: in.Unread,
			Filter: in.Filter,
		},
		Posts: toJSONPosts(in.Posts),
	}
	return encode(w, out)
}

func (f *JSONFormatter) Report(w io.Writer, in ReportInput) error {
	out := jsonReport{
		NewItems:  in.Summary.NewItems,
		Failed:    len(in.Summary.Failures),
		ElapsedMS: in.Elapsed.Milliseconds(),
		Results:   make([]jsonResult, 0, len(in.Summary.Results)),
	}
	for _, r := range in.Summary.Results {
		jr := jsonResult{
			Platform:   string(r.Platform),
			OK:         r.OK(),
			Count:      r.Count,
			ErrorKind:  errorKind(r),
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			jr.Error = r.Err.Error()
		}
		out.Results = append(out.Results, jr)
	}
	return encode(w, out)
}

func toJSONPosts(posts []store.Post) []jsonPost {
	result := make([]jsonPost, 0, len(posts))
	for _, p := range posts {
		result = append(result, jsonPost{
			ID:         p.ID,
			Platform:   p.Platform,
			SourceID:   p.SourceID,
			SourceName: p.SourceName,
			Content:    p.Content,
			MediaURL:   p.MediaURL,
			PostURL:    p.PostURL,
			PostedAt:   p.PostedAt.UTC().Format(time.RFC3339),
			Read:       p.IsRead,
		})
	}
	return result
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
