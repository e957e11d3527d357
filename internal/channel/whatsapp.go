package channel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"convobot/internal/config"
	"convobot/internal/domain"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // whatsmeow session store
)

// WhatsApp implements domain.Channel on a linked WhatsApp Web device.
type WhatsApp struct {
	history

	cfg    config.WhatsAppConfig
	logger *slog.Logger

	mu     sync.RWMutex
	client *whatsmeow.Client
	bus    domain.MessageBus
	ctx    context.Context
}

type WhatsAppChannelConfig struct {
	Config config.WhatsAppConfig
	Store  domain.HistoryStore
	Logger *slog.Logger
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	return &WhatsApp{
		history: history{channel: "whatsapp", store: cfg.Store},
		cfg:     cfg.Config,
		logger:  cfg.Logger,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// open creates the whatsmeow client on the persisted device session.
func (w *WhatsApp) open(ctx context.Context) (*whatsmeow.Client, error) {
	if err := os.MkdirAll(filepath.Dir(w.cfg.SessionPath), 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp session dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", w.cfg.SessionPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = true
	return client, nil
}

// Login pairs a new device by QR code and returns once pairing succeeds.
// An already paired session returns immediately.
func (w *WhatsApp) Login(ctx context.Context) error {
	client, err := w.open(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	if client.Store.ID != nil {
		w.logger.Info("whatsapp already paired", "jid", client.Store.ID.String())
		return nil
	}
	return w.pair(ctx, client)
}

func (w *WhatsApp) pair(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("whatsapp QR channel closed")
			}
			switch evt.Event {
			case "code":
				w.showQR(evt.Code)
			case "success":
				w.logger.Info("whatsapp pairing successful")
				return nil
			case "timeout":
				return fmt.Errorf("whatsapp pairing timed out")
			default:
				if evt.Error != nil {
					return fmt.Errorf("whatsapp pairing: %w", evt.Error)
				}
				w.logger.Debug("whatsapp QR event", "event", evt.Event)
			}
		}
	}
}

// showQR prints the code to the terminal and, when configured, writes it
// as a PNG for headless hosts.
func (w *WhatsApp) showQR(code string) {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		w.logger.Error("render QR code", "error", err)
		return
	}
	fmt.Fprintln(os.Stderr, "Scan this code with WhatsApp > Linked devices:")
	fmt.Fprintln(os.Stderr, q.ToSmallString(false))

	if w.cfg.QRCodeFile != "" {
		if err := q.WriteFile(320, w.cfg.QRCodeFile); err != nil {
			w.logger.Error("write QR code file", "path", w.cfg.QRCodeFile, "error", err)
			return
		}
		w.logger.Info("QR code written", "path", w.cfg.QRCodeFile)
	}
}

// Start connects and blocks until ctx is cancelled.
func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	client, err := w.open(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.client = client
	w.bus = bus
	w.ctx = ctx
	w.mu.Unlock()

	client.AddEventHandler(w.handleEvent)

	if client.Store.ID == nil {
		w.logger.Info("whatsapp not paired, waiting for QR scan")
		if err := w.pair(ctx, client); err != nil {
			return err
		}
	} else if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	w.logger.Info("whatsapp connected", "jid", client.Store.ID.String(), "respond_to_groups", w.cfg.RespondToGroups)

	<-ctx.Done()
	w.logger.Info("whatsapp channel stopping")
	client.Disconnect()
	return nil
}

func (w *WhatsApp) Stop() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.client != nil {
		w.client.Disconnect()
	}
	return nil
}

func (w *WhatsApp) getClient() (*whatsmeow.Client, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.client == nil || !w.client.IsConnected() {
		return nil, domain.ErrTransportClosed
	}
	return w.client, nil
}

func (w *WhatsApp) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		w.handleMessage(v)
	case *events.Connected:
		w.logger.Info("whatsapp connection established")
	case *events.Disconnected:
		w.logger.Warn("whatsapp disconnected")
	case *events.LoggedOut:
		w.logger.Error("whatsapp session logged out, run 'convobot login whatsapp' again", "reason", v.Reason)
	}
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	msg, ok := convertWhatsAppMessage(evt)
	if !ok {
		return
	}

	w.mu.RLock()
	ctx, bus := w.ctx, w.bus
	w.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := proto.Marshal(evt.Message)
	if err != nil {
		w.logger.Warn("encode whatsapp message", "id", msg.ID, "error", err)
	}
	if err := w.save(ctx, msg, raw); err != nil {
		w.logger.Warn("persist whatsapp message", "id", msg.ID, "error", err)
	}
	if q := quotedProto(evt.Message); msg.Quoted != nil && q != nil {
		qraw, _ := proto.Marshal(q)
		if err := w.saveIfAbsent(ctx, *msg.Quoted, qraw); err != nil {
			w.logger.Debug("persist quoted copy", "id", msg.QuotedID, "error", err)
		}
	}

	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}
	if bus != nil {
		bus.Publish(domain.InboundMessage{Channel: w.Name(), Message: msg})
	}
}

func (w *WhatsApp) Chat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	chat := domain.Chat{ID: msg.ChatID}
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return chat, fmt.Errorf("parse chat jid %q: %w", msg.ChatID, err)
	}
	chat.IsGroup = jid.Server == types.GroupServer

	client, err := w.getClient()
	if err != nil {
		return chat, nil
	}
	if chat.IsGroup {
		if info, err := client.GetGroupInfo(ctx, jid); err == nil {
			chat.Name = info.Name
		} else {
			w.logger.Debug("group info lookup failed", "chat", msg.ChatID, "error", err)
		}
		return chat, nil
	}
	if contact, err := client.Store.Contacts.GetContact(ctx, jid); err == nil {
		chat.Name = contactName(contact)
	}
	return chat, nil
}

func (w *WhatsApp) SenderDisplayName(ctx context.Context, msg domain.Message) (string, error) {
	if msg.Sender == "" {
		return "", nil
	}
	jid, err := types.ParseJID(msg.Sender)
	if err != nil {
		return "", err
	}
	client, err := w.getClient()
	if err != nil {
		return "", err
	}
	contact, err := client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return "", err
	}
	return contactName(contact), nil
}

func contactName(c types.ContactInfo) string {
	switch {
	case c.FullName != "":
		return c.FullName
	case c.PushName != "":
		return c.PushName
	default:
		return c.BusinessName
	}
}

// DownloadMedia decrypts media from the stored protobuf of msg.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	row, err := w.stored(ctx, msg.ChatID, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("media of %s: %w", msg.ID, err)
	}
	if len(row.Raw) == 0 {
		return nil, domain.ErrNoMedia
	}
	var wm waE2E.Message
	if err := proto.Unmarshal(row.Raw, &wm); err != nil {
		return nil, fmt.Errorf("decode stored message %s: %w", msg.ID, err)
	}
	media, mime, name := downloadable(&wm)
	if media == nil {
		return nil, domain.ErrNoMedia
	}

	client, err := w.getClient()
	if err != nil {
		return nil, err
	}
	data, err := client.Download(ctx, media)
	if err != nil {
		return nil, fmt.Errorf("download media of %s: %w", msg.ID, err)
	}
	return &domain.MediaPayload{Data: data, MimeType: mime, Filename: name}, nil
}

// Reply sends text quoting msg and records the sent message.
func (w *WhatsApp) Reply(ctx context.Context, msg domain.Message, text string) error {
	client, err := w.getClient()
	if err != nil {
		return err
	}
	chat, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("parse chat jid %q: %w", msg.ChatID, err)
	}

	var original *waE2E.Message
	if row, err := w.stored(ctx, msg.ChatID, msg.ID); err == nil && len(row.Raw) > 0 {
		var wm waE2E.Message
		if proto.Unmarshal(row.Raw, &wm) == nil {
			original = &wm
		}
	}

	out := buildWhatsAppReply(msg, text, original)
	resp, err := client.SendMessage(ctx, chat, out)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}

	sent := domain.Message{
		ID:        string(resp.ID),
		ChatID:    msg.ChatID,
		Body:      text,
		Timestamp: resp.Timestamp,
		Kind:      domain.KindText,
		FromSelf:  true,
		QuotedID:  msg.ID,
	}
	if client.Store.ID != nil {
		sent.Sender = client.Store.ID.ToNonAD().String()
	}
	raw, _ := proto.Marshal(out)
	if err := w.save(ctx, sent, raw); err != nil {
		w.logger.Warn("persist sent message", "id", sent.ID, "error", err)
	}
	return nil
}

func buildWhatsAppReply(msg domain.Message, text string, original *waE2E.Message) *waE2E.Message {
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(msg.ID),
				Participant:   proto.String(msg.Sender),
				QuotedMessage: original,
			},
		},
	}
}

// convertWhatsAppMessage maps a whatsmeow event to a domain message.
// Protocol messages (receipts, key distribution, reactions) report false.
func convertWhatsAppMessage(evt *events.Message) (domain.Message, bool) {
	msg := domain.Message{
		ID:         string(evt.Info.ID),
		ChatID:     evt.Info.Chat.ToNonAD().String(),
		Sender:     evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		Timestamp:  evt.Info.Timestamp,
		FromSelf:   evt.Info.IsFromMe,
	}
	if !fillContent(evt.Message, &msg) {
		return domain.Message{}, false
	}

	if ci := contextInfo(evt.Message); ci != nil && ci.GetStanzaID() != "" {
		msg.QuotedID = ci.GetStanzaID()
		quoted := domain.Message{
			ID:       ci.GetStanzaID(),
			ChatID:   msg.ChatID,
			Sender:   ci.GetParticipant(),
			Metadata: map[string]string{domain.MetaQuotedSender: ci.GetParticipant()},
		}
		if qm := ci.GetQuotedMessage(); qm == nil || !fillContent(qm, &quoted) {
			quoted.Kind = domain.KindOther
		}
		msg.Quoted = &quoted
		msg.Metadata = map[string]string{domain.MetaQuotedSender: ci.GetParticipant()}
	}
	return msg, true
}

func fillContent(wm *waE2E.Message, msg *domain.Message) bool {
	if wm == nil {
		return false
	}
	switch {
	case wm.Conversation != nil:
		msg.Kind = domain.KindText
		msg.Body = wm.GetConversation()
	case wm.ExtendedTextMessage != nil:
		msg.Kind = domain.KindText
		msg.Body = wm.GetExtendedTextMessage().GetText()
	case wm.ImageMessage != nil:
		img := wm.GetImageMessage()
		msg.Kind = domain.KindImage
		msg.Body = img.GetCaption()
		msg.HasMedia = true
		msg.Media = &domain.MediaPayload{MimeType: img.GetMimetype()}
	case wm.AudioMessage != nil:
		msg.Kind = domain.KindAudio
		msg.HasMedia = true
		msg.Media = &domain.MediaPayload{MimeType: wm.GetAudioMessage().GetMimetype()}
	case wm.DocumentMessage != nil:
		doc := wm.GetDocumentMessage()
		msg.Kind = domain.KindDocument
		msg.Body = doc.GetCaption()
		msg.FileName = doc.GetFileName()
		msg.HasMedia = true
		msg.Media = &domain.MediaPayload{MimeType: doc.GetMimetype(), Filename: doc.GetFileName()}
	case wm.VideoMessage != nil:
		msg.Kind = domain.KindOther
		msg.Body = wm.GetVideoMessage().GetCaption()
	case wm.StickerMessage != nil, wm.ContactMessage != nil, wm.LocationMessage != nil:
		msg.Kind = domain.KindOther
	default:
		return false
	}
	return true
}

func contextInfo(wm *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case wm == nil:
		return nil
	case wm.ExtendedTextMessage != nil:
		return wm.GetExtendedTextMessage().GetContextInfo()
	case wm.ImageMessage != nil:
		return wm.GetImageMessage().GetContextInfo()
	case wm.AudioMessage != nil:
		return wm.GetAudioMessage().GetContextInfo()
	case wm.DocumentMessage != nil:
		return wm.GetDocumentMessage().GetContextInfo()
	case wm.VideoMessage != nil:
		return wm.GetVideoMessage().GetContextInfo()
	}
	return nil
}

func quotedProto(wm *waE2E.Message) *waE2E.Message {
	return contextInfo(wm).GetQuotedMessage()
}

// downloadable returns the media part of wm with its mime type and file
// name, or nil when wm carries nothing this pipeline reads.
func downloadable(wm *waE2E.Message) (whatsmeow.DownloadableMessage, string, string) {
	switch {
	case wm.ImageMessage != nil:
		return wm.GetImageMessage(), wm.GetImageMessage().GetMimetype(), ""
	case wm.AudioMessage != nil:
		return wm.GetAudioMessage(), wm.GetAudioMessage().GetMimetype(), ""
	case wm.DocumentMessage != nil:
		doc := wm.GetDocumentMessage()
		return doc, doc.GetMimetype(), doc.GetFileName()
	}
	return nil, "", ""
}
