package channel

import (
	"testing"
	"time"

	"convobot/internal/domain"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

var (
	groupJID  = types.NewJID("120363000000000000", types.GroupServer)
	senderJID = types.NewJID("4915100000000", types.DefaultUserServer)
)

func waEvent(id string, m *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    groupJID,
				Sender:  senderJID,
				IsGroup: true,
			},
			ID:        types.MessageID(id),
			PushName:  "Ann",
			Timestamp: time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC),
		},
		Message: m,
	}
}

func TestConvertWhatsApp_Text(t *testing.T) {
	msg, ok := convertWhatsAppMessage(waEvent("A1", &waE2E.Message{Conversation: proto.String("@bot hi")}))
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.ID != "A1" || msg.Body != "@bot hi" || msg.Kind != domain.KindText {
		t.Fatalf("unexpected %+v", msg)
	}
	if msg.ChatID != groupJID.String() || msg.Sender != senderJID.String() || msg.SenderName != "Ann" {
		t.Fatalf("unexpected addressing %+v", msg)
	}
	if msg.QuotedID != "" || msg.Quoted != nil {
		t.Fatal("plain message must not carry a quote")
	}
}

func TestConvertWhatsApp_Media(t *testing.T) {
	tests := []struct {
		name string
		m    *waE2E.Message
		kind domain.MessageKind
		body string
		file string
	}{
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look"), Mimetype: proto.String("image/jpeg")}}, domain.KindImage, "look", ""},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus"), PTT: proto.Bool(true)}}, domain.KindAudio, "", ""},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("report.pdf"), Mimetype: proto.String("application/pdf")}}, domain.KindDocument, "", "report.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := convertWhatsAppMessage(waEvent("M", tt.m))
			if !ok {
				t.Fatal("expected a message")
			}
			if msg.Kind != tt.kind || msg.Body != tt.body || msg.FileName != tt.file || !msg.HasMedia {
				t.Fatalf("unexpected %+v", msg)
			}
			if msg.Media == nil || msg.Media.MimeType == "" {
				t.Fatal("mime type not carried")
			}
		})
	}
}

func TestConvertWhatsApp_SkipsProtocolMessages(t *testing.T) {
	if _, ok := convertWhatsAppMessage(waEvent("P", &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("👍")}})); ok {
		t.Fatal("reactions should be skipped")
	}
	if _, ok := convertWhatsAppMessage(waEvent("N", nil)); ok {
		t.Fatal("nil message should be skipped")
	}
}

func TestConvertWhatsApp_Quote(t *testing.T) {
	participant := "4915199999999@s.whatsapp.net"
	m := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text: proto.String("@bot what is this?"),
		ContextInfo: &waE2E.ContextInfo{
			StanzaID:    proto.String("Q1"),
			Participant: proto.String(participant),
			QuotedMessage: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
				Caption:  proto.String("sunset"),
				Mimetype: proto.String("image/jpeg"),
			}},
		},
	}}
	msg, ok := convertWhatsAppMessage(waEvent("R1", m))
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.QuotedID != "Q1" || msg.Quoted == nil {
		t.Fatalf("quote not extracted: %+v", msg)
	}
	q := msg.Quoted
	if q.Kind != domain.KindImage || q.Body != "sunset" || q.Sender != participant || q.ChatID != msg.ChatID {
		t.Fatalf("unexpected quoted %+v", q)
	}
	if q.HasTimestamp() {
		t.Fatal("inline quotes carry no timestamp")
	}
	if quotedProto(m).GetImageMessage().GetCaption() != "sunset" {
		t.Fatal("quotedProto should return the embedded message")
	}
}

func TestBuildWhatsAppReply(t *testing.T) {
	orig := &waE2E.Message{Conversation: proto.String("@bot hi")}
	out := buildWhatsAppReply(domain.Message{ID: "A1", Sender: senderJID.String()}, "hello", orig)

	ext := out.GetExtendedTextMessage()
	if ext.GetText() != "hello" {
		t.Fatalf("unexpected text %q", ext.GetText())
	}
	ci := ext.GetContextInfo()
	if ci.GetStanzaID() != "A1" || ci.GetParticipant() != senderJID.String() || ci.GetQuotedMessage().GetConversation() != "@bot hi" {
		t.Fatalf("unexpected context info %+v", ci)
	}
}

func TestDownloadable(t *testing.T) {
	doc := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("a.pdf"), Mimetype: proto.String("application/pdf")}}
	media, mime, name := downloadable(doc)
	if media == nil || mime != "application/pdf" || name != "a.pdf" {
		t.Fatalf("unexpected %v %q %q", media, mime, name)
	}
	if media, _, _ := downloadable(&waE2E.Message{Conversation: proto.String("x")}); media != nil {
		t.Fatal("text has nothing to download")
	}
}

func TestContactName(t *testing.T) {
	if got := contactName(types.ContactInfo{FullName: "Ann Lee", PushName: "ann"}); got != "Ann Lee" {
		t.Fatalf("got %q", got)
	}
	if got := contactName(types.ContactInfo{PushName: "ann"}); got != "ann" {
		t.Fatalf("got %q", got)
	}
	if got := contactName(types.ContactInfo{}); got != "" {
		t.Fatalf("got %q", got)
	}
}
