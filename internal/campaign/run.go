package campaign

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"wablast/internal/eventbus"
	"wablast/internal/provider"
	"wablast/internal/text"
	logx "wablast/pkg/logx"
)

type run struct {
	id        string
	e         *Engine
	sessionID string
	kind      Kind
	conn      provider.Conn

	recipients []text.Recipient
	opt        Options
	delay      time.Duration
	templates  *text.TemplateSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newRun(e *Engine, sessionID string, kind Kind, conn provider.Conn, recipients []text.Recipient, opt Options, delay time.Duration) *run {
	return &run{
		id:         uuid.NewString(),
		e:          e,
		sessionID:  sessionID,
		kind:       kind,
		conn:       conn,
		recipients: recipients,
		opt:        opt,
		delay:      delay,
		templates:  text.NewTemplateSet(opt.Templates, opt.Policy),
		stopCh:     make(chan struct{}),
	}
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// exec is the run's whole life. It processes recipients in submission order,
// publishes one progress event each, then a terminal event, and cleans up the
// staged media file no matter how the run ended.
func (r *run) exec(ctx context.Context) {
	log := r.e.log.With(
		logx.String("run", r.id),
		logx.String("session", r.sessionID),
		logx.String("kind", string(r.kind)),
	)
	started := time.Now()
	total := len(r.recipients)
	results := make([]Result, 0, total)
	var succeeded, failed int
	stoppedAt := -1

	defer func() {
		if m := r.opt.Media; m != nil && m.Path != "" {
			if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
				log.Warn("removing staged media", logx.Err(err))
			}
		}
	}()

	for i, rec := range r.recipients {
		// Cooperative cancellation: checked at the top of every iteration so
		// an in-flight send finishes but nothing new starts.
		if r.stopRequested() || ctx.Err() != nil {
			stoppedAt = i
			break
		}

		contact := rec.Descriptor()
		var reason string
		switch {
		case !rec.Valid:
			reason = ReasonInvalidFormat
		case r.kind == KindInvite:
			reason = r.inviteOne(ctx, rec)
		default:
			reason = r.sendOne(ctx, i, rec)
		}

		res := Result{Contact: contact, Status: statusSuccess}
		if reason != "" {
			res.Status = statusError
			res.Reason = reason
			failed++
		} else {
			succeeded++
		}
		results = append(results, res)

		r.e.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeProgress,
			SessionID: r.sessionID,
			Data: Progress{
				Kind:    r.kind,
				Current: i + 1,
				Total:   total,
				Contact: contact,
				Status:  res.Status,
				Error:   res.Reason,
			},
		})

		// Malformed lines don't consume a delay slot; the last recipient
		// doesn't need one.
		if rec.Valid && i < total-1 {
			r.pause(ctx, r.delay)
		}
	}

	took := time.Since(started)
	attempted := len(results)

	if stoppedAt >= 0 {
		log.Info("campaign stopped",
			logx.Int("at", stoppedAt),
			logx.Int("total", total),
			logx.Duration("took", took))
		r.e.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeStopped,
			SessionID: r.sessionID,
			Data:      Stopped{Kind: r.kind, At: stoppedAt, Total: total},
		})
	} else if failed > 0 {
		log.Warn("campaign finished with failures",
			logx.Int("total", total),
			logx.Int("failed", failed),
			logx.Duration("took", took))
	} else {
		log.Info("campaign finished",
			logx.Int("total", total),
			logx.Duration("took", took))
	}

	r.e.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeComplete,
		SessionID: r.sessionID,
		Data: Complete{
			Kind:      r.kind,
			Attempted: attempted,
			Succeeded: succeeded,
			Failed:    failed,
			Results:   results,
			TookMS:    took.Milliseconds(),
		},
	})

	if r.e.history != nil {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.e.history.AppendRun(hctx, RunRecord{
			RunID:     r.id,
			SessionID: r.sessionID,
			Kind:      string(r.kind),
			StartedAt: started,
			Took:      took,
			Total:     total,
			Attempted: attempted,
			Succeeded: succeeded,
			Failed:    failed,
			Stopped:   stoppedAt >= 0,
		})
		cancel()
		if err != nil {
			log.Warn("recording run history", logx.Err(err))
		}
	}
}

// sendOne delivers the templated message (and media) to one recipient and
// returns "" on success or a failure reason.
func (r *run) sendOne(ctx context.Context, i int, rec text.Recipient) string {
	cfg, lim := r.e.snapshotCfg()
	phone := r.e.rules.Canonical(rec.Phone)
	body := text.Render(r.templates.Select(i), rec)

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	if err := lim.Wait(sctx); err != nil {
		return reasonFromErr(err)
	}

	m := r.opt.Media
	var err error
	switch {
	case m == nil:
		err = r.conn.SendText(sctx, phone, body)
	case r.opt.MediaMode == MediaSeparate:
		err = r.conn.SendText(sctx, phone, body)
		if err == nil {
			r.gap(sctx, cfg.MessageGap)
			err = r.conn.SendMedia(sctx, phone, *m, "")
		}
	default: // combined
		if m.Kind.SupportsCaption() {
			err = r.conn.SendMedia(sctx, phone, *m, body)
		} else {
			// No caption support: text goes out as a separate preceding message.
			err = r.conn.SendText(sctx, phone, body)
			if err == nil {
				r.gap(sctx, cfg.MessageGap)
				err = r.conn.SendMedia(sctx, phone, *m, "")
			}
		}
	}
	if err != nil {
		return reasonFromErr(err)
	}
	return ""
}

// inviteOne adds one recipient to the target group.
func (r *run) inviteOne(ctx context.Context, rec text.Recipient) string {
	cfg, lim := r.e.snapshotCfg()
	phone := r.e.rules.Canonical(rec.Phone)

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	if err := lim.Wait(sctx); err != nil {
		return reasonFromErr(err)
	}
	code, err := r.conn.AddGroupMember(sctx, r.opt.GroupID, phone)
	if err != nil {
		return reasonFromErr(err)
	}
	return addReason(code)
}

func reasonFromErr(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonSendTimeout
	}
	return err.Error()
}

// pause sleeps the inter-recipient delay but wakes early on stop or shutdown,
// so cancellation latency is bounded by the in-flight send, not the delay.
func (r *run) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.stopCh:
	case <-ctx.Done():
	}
}

// gap is the fixed pause between the two messages of one recipient. Not
// stop-interruptible: the pair counts as a single in-flight delivery.
func (r *run) gap(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
