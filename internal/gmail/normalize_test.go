package gmail

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	gmail_api "google.golang.org/api/gmail/v1"

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func testPayload(headers map[string]string) *gmail_api.MessagePart {
	p := &gmail_api.MessagePart{MimeType: "text/plain"}
	for name, value := range headers {
		p.Headers = append(p.Headers, &gmail_api.MessagePartHeader{Name: name, Value: value})
	}
	return p
}

func TestNormalizeHeaders(t *testing.T) {
	msg := &gmail_api.Message{
		Id:           "m1",
		ThreadId:     "t1",
		Snippet:      "a snippet",
		InternalDate: 1700000000000,
		HistoryId:    42,
		LabelIds:     []string{"INBOX", "UNREAD"},
		Payload: testPayload(map[string]string{
			"From":    "Alice <alice@example.com>",
			"To":      "bob@example.com, Carol <carol@example.com>",
			"Cc":      "dave@example.com",
			"Subject": "Hello",
		}),
	}

	full, err := Normalize(msg)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	m := full.Message
	if m.ID != "m1" || m.ThreadID != "t1" {
		t.Errorf("ids = %s/%s, want m1/t1", m.ID, m.ThreadID)
	}
	if want := (mail.Address{Name: "Alice", Email: "alice@example.com"}); m.From != want {
		t.Errorf("From = %+v, want %+v", m.From, want)
	}
	wantTo := []mail.Address{{Email: "bob@example.com"}, {Name: "Carol", Email: "carol@example.com"}}
	if diff := cmp.Diff(wantTo, m.To); diff != "" {
		t.Errorf("To mismatch (-want +got):\n%s", diff)
	}
	if m.Subject != "Hello" {
		t.Errorf("Subject = %q, want Hello", m.Subject)
	}
	if want := time.UnixMilli(1700000000000).UTC(); !m.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", m.ReceivedAt, want)
	}
	if m.HistoryID != 42 {
		t.Errorf("HistoryID = %d, want 42", m.HistoryID)
	}
}

func TestNormalizeMissingHeaders(t *testing.T) {
	msg := &gmail_api.Message{
		Id:       "m1",
		ThreadId: "t1",
		Payload:  &gmail_api.MessagePart{MimeType: "text/plain"},
	}
	full, err := Normalize(msg)
	if err != nil {
		t.Fatalf("Normalize with no headers should succeed: %v", err)
	}
	if full.Message.From.Email != "" || full.Message.Subject != "" {
		t.Errorf("missing headers should yield zero values, got %+v", full.Message)
	}
}

func TestNormalizeNoID(t *testing.T) {
	_, err := Normalize(&gmail_api.Message{})
	if !mailerr.Is(err, mailerr.Parse) {
		t.Errorf("kind = %v, want Parse", mailerr.KindOf(err))
	}
}

func TestNormalizeBodyWalk(t *testing.T) {
	msg := &gmail_api.Message{
		Id:       "m1",
		ThreadId: "t1",
		Payload: &gmail_api.MessagePart{
			MimeType: "multipart/alternative",
			Parts: []*gmail_api.MessagePart{
				{
					MimeType: "multipart/related",
					Parts: []*gmail_api.MessagePart{
						{MimeType: "text/plain", Body: &gmail_api.MessagePartBody{Data: b64("plain body")}},
					},
				},
				{MimeType: "text/html", Body: &gmail_api.MessagePartBody{Data: b64("<p>html body</p>")}},
				{MimeType: "application/pdf", Filename: "doc.pdf"},
			},
		},
	}
	full, err := Normalize(msg)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := string(full.BodyText); got != "plain body" {
		t.Errorf("BodyText = %q, want %q", got, "plain body")
	}
	if got := string(full.BodyHTML); got != "<p>html body</p>" {
		t.Errorf("BodyHTML = %q, want %q", got, "<p>html body</p>")
	}
	if !full.Message.HasAttach {
		t.Error("HasAttach = false, want true (pdf part present)")
	}
	if full.Message.BodyPreview != "plain body" {
		t.Errorf("BodyPreview = %q, want fallback to text body", full.Message.BodyPreview)
	}
}

func TestNormalizeSnippetEntities(t *testing.T) {
	msg := &gmail_api.Message{
		Id:       "m1",
		ThreadId: "t1",
		Snippet:  "Hello &amp; welcome &lt;user&gt;",
	}
	full, err := Normalize(msg)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if want := "Hello & welcome <user>"; full.Message.BodyPreview != want {
		t.Errorf("BodyPreview = %q, want %q", full.Message.BodyPreview, want)
	}
}

func TestDecodeBodyPaddingVariants(t *testing.T) {
	// "Hello, World!" without padding.
	if got := decodeBody("SGVsbG8sIFdvcmxkIQ"); string(got) != "Hello, World!" {
		t.Errorf("decodeBody unpadded = %q", got)
	}
	if got := decodeBody("SGVsbG8sIFdvcmxkIQ=="); string(got) != "Hello, World!" {
		t.Errorf("decodeBody padded = %q", got)
	}
	if got := decodeBody("!!! not base64 !!!"); got != nil {
		t.Errorf("decodeBody of junk = %q, want nil", got)
	}
}
