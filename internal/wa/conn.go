package wa

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wablast/internal/provider"
	logx "wablast/pkg/logx"
)

type conn struct {
	cli *whatsmeow.Client
	db  *sql.DB
	ev  provider.Events
	log logx.Logger

	closeOnce sync.Once
}

// ---- lifecycle ----

func (c *conn) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected, *events.PushNameSetting:
		if c.ev.Authenticated != nil {
			c.ev.Authenticated(c.identity())
		}
	case *events.Disconnected:
		if c.ev.Disconnected != nil {
			c.ev.Disconnected("connection closed", true)
		}
	case *events.StreamReplaced:
		if c.ev.Disconnected != nil {
			c.ev.Disconnected("stream replaced by another client", true)
		}
	case *events.LoggedOut:
		// The account unlinked this device; credentials are dead.
		if c.ev.Disconnected != nil {
			c.ev.Disconnected(fmt.Sprintf("logged out (%s)", e.Reason), false)
		}
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			if c.ev.Unauthorized != nil {
				c.ev.Unauthorized()
			}
			return
		}
		if c.ev.Disconnected != nil {
			c.ev.Disconnected(fmt.Sprintf("connect failure (%d)", int(e.Reason)), true)
		}
	case *events.TemporaryBan:
		if c.ev.Disconnected != nil {
			c.ev.Disconnected(fmt.Sprintf("temporary ban: %s", e.String()), true)
		}
	}
}

func (c *conn) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if c.ev.QR != nil {
				c.ev.QR(item.Code)
			}
		case whatsmeow.QRChannelEventError:
			c.log.Warn("qr channel error", logx.Err(item.Error))
		default:
			// success / timeout / multidevice-disabled; the event handler
			// reports the outcome, nothing to forward.
			c.log.Debug("qr channel closed", logx.String("event", item.Event))
		}
	}
}

func (c *conn) identity() provider.Identity {
	id := provider.Identity{Name: c.cli.Store.PushName}
	if c.cli.Store.ID != nil {
		id.JID = c.cli.Store.ID.User
	}
	return id
}

// ---- operations ----

func userJID(phone string) types.JID {
	return types.NewJID(phone, types.DefaultUserServer)
}

func (c *conn) SendText(ctx context.Context, phone, body string) error {
	_, err := c.cli.SendMessage(ctx, userJID(phone), &waE2E.Message{
		Conversation: proto.String(body),
	})
	return err
}

func (c *conn) SendMedia(ctx context.Context, phone string, m provider.Media, caption string) error {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("read media: %w", err)
	}

	var mediaType whatsmeow.MediaType
	switch m.Kind {
	case provider.MediaImage:
		mediaType = whatsmeow.MediaImage
	case provider.MediaVideo:
		mediaType = whatsmeow.MediaVideo
	case provider.MediaAudio:
		mediaType = whatsmeow.MediaAudio
	default:
		mediaType = whatsmeow.MediaDocument
	}

	up, err := c.cli.Upload(ctx, data, mediaType)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	msg := &waE2E.Message{}
	switch m.Kind {
	case provider.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case provider.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case provider.MediaAudio:
		// Audio cannot carry a caption; the engine sends text separately.
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Title:         proto.String(m.FileName),
			FileName:      proto.String(m.FileName),
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	}

	_, err = c.cli.SendMessage(ctx, userJID(phone), msg)
	return err
}

func (c *conn) Groups(ctx context.Context) ([]provider.Group, error) {
	infos, err := c.cli.GetJoinedGroups(ctx)
	if err != nil {
		return nil, err
	}

	var ownUser string
	if c.cli.Store.ID != nil {
		ownUser = c.cli.Store.ID.User
	}

	out := make([]provider.Group, 0, len(infos))
	for _, gi := range infos {
		g := provider.Group{
			ID:          gi.JID.String(),
			Subject:     gi.GroupName.Name,
			MemberCount: len(gi.Participants),
		}
		for _, p := range gi.Participants {
			if p.JID.User == ownUser && (p.IsAdmin || p.IsSuperAdmin) {
				g.IsAdmin = true
				break
			}
		}
		out = append(out, g)
	}
	return out, nil
}

func (c *conn) AddGroupMember(ctx context.Context, groupID, phone string) (int, error) {
	gid, err := types.ParseJID(groupID)
	if err != nil {
		return 0, fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	res, err := c.cli.UpdateGroupParticipants(ctx, gid, []types.JID{userJID(phone)}, whatsmeow.ParticipantChangeAdd)
	if err != nil {
		return 0, err
	}
	for _, p := range res {
		if p.JID.User == phone {
			return p.Error, nil
		}
	}
	// The server answered but omitted the participant; treat as success.
	return provider.AddOK, nil
}

func (c *conn) Logout(ctx context.Context) error {
	return c.cli.Logout(ctx)
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		c.cli.Disconnect()
		if err := c.db.Close(); err != nil {
			c.log.Warn("closing credential store", logx.Err(err))
		}
	})
}
