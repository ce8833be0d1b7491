package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"sitecms/api/internal/document"
	"sitecms/api/internal/events"
)

const (
	MessageNoUser           = "No user ID associated with this booking"
	MessageNotificationsOff = "User may not have notifications enabled"
	MessageSendFailed       = "Failed to send notification"
)

const defaultNotifyTimeout = 15 * time.Second

// RemovedStatus is published in place of a status when a booking is deleted.
const RemovedStatus = "removed"

// RemoteWriter is the slice of the remote store the workflow writes through.
type RemoteWriter interface {
	Write(ctx context.Context, path string, value any) error
	Delete(ctx context.Context, path string) error
}

// LocalDocument is the session's in-memory document.
type LocalDocument interface {
	Section(key string) (any, bool)
	ApplyPersisted(key string, path []string, value any, remove bool) error
}

type Publisher interface {
	Publish(events.Event)
}

// Dispatcher delivers the approval notice to the booking's owner. It
// returns false without an error when the recipient cannot be reached and
// reserves errors for transport failures.
type Dispatcher interface {
	Send(ctx context.Context, b Booking) (bool, error)
}

type Workflow struct {
	remote        RemoteWriter
	local         LocalDocument
	publisher     Publisher
	dispatcher    Dispatcher
	attempts      *Attempts
	confirmations *Sequencer
	notifyTimeout time.Duration
}

func NewWorkflow(remote RemoteWriter, local LocalDocument, publisher Publisher, dispatcher Dispatcher, attempts *Attempts, confirmations *Sequencer) *Workflow {
	return &Workflow{
		remote:        remote,
		local:         local,
		publisher:     publisher,
		dispatcher:    dispatcher,
		attempts:      attempts,
		confirmations: confirmations,
		notifyTimeout: defaultNotifyTimeout,
	}
}

func (w *Workflow) Find(id string) (Booking, error) {
	section, _ := w.local.Section(document.SectionBookings)
	entries, _ := section.(map[string]any)
	raw, ok := entries[id]
	if !ok {
		return Booking{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Decode(id, raw)
}

func (w *Workflow) List(status Status) []Booking {
	section, _ := w.local.Section(document.SectionBookings)
	return Filter(DecodeSection(section), status)
}

// Approve writes the approved status straight to the remote store, then
// notifies the owner and opens the confirmation. Once the status write
// succeeds the approval stands whatever happens to the notification.
func (w *Workflow) Approve(ctx context.Context, b Booking) (Booking, error) {
	next, err := Next(ActionApprove, b.Status)
	if err != nil {
		return b, err
	}
	if err := w.setStatus(ctx, b.ID, next); err != nil {
		return b, fmt.Errorf("approve booking %s: %w", b.ID, err)
	}
	b.Status = next

	w.notify(context.WithoutCancel(ctx), b)
	if w.confirmations != nil {
		w.confirmations.Show(b)
	}
	return b, nil
}

func (w *Workflow) Reject(ctx context.Context, b Booking) (Booking, error) {
	next, err := Next(ActionReject, b.Status)
	if err != nil {
		return b, err
	}
	if err := w.setStatus(ctx, b.ID, next); err != nil {
		return b, fmt.Errorf("reject booking %s: %w", b.ID, err)
	}
	b.Status = next
	return b, nil
}

// Remove deletes the booking from the remote store. There is no workflow
// around removal.
func (w *Workflow) Remove(ctx context.Context, id string) error {
	if _, err := w.Find(id); err != nil {
		return err
	}
	if err := w.remote.Delete(ctx, document.JoinPath(document.SectionBookings, id)); err != nil {
		return fmt.Errorf("remove booking %s: %w", id, err)
	}
	if err := w.local.ApplyPersisted(document.SectionBookings, []string{id}, nil, true); err != nil {
		glog.Warningf("booking: local removal of %s: %v", id, err)
	}
	if w.publisher != nil {
		w.publisher.Publish(events.Event{Type: events.TypeBookingUpdate, BookingID: id, Status: RemovedStatus})
	}
	if w.confirmations != nil {
		if showing, ok := w.confirmations.Showing(); ok && showing == id {
			w.confirmations.Close()
		}
	}
	return nil
}

func (w *Workflow) setStatus(ctx context.Context, id string, status Status) error {
	if err := w.remote.Write(ctx, document.JoinPath(document.SectionBookings, id, "status"), string(status)); err != nil {
		return err
	}
	if err := w.local.ApplyPersisted(document.SectionBookings, []string{id, "status"}, string(status), false); err != nil {
		glog.Warningf("booking: local status patch for %s: %v", id, err)
	}
	if w.publisher != nil {
		w.publisher.Publish(events.Event{Type: events.TypeBookingUpdate, BookingID: id, Status: string(status)})
	}
	glog.Infof("booking: %s is now %s", id, status)
	return nil
}

func (w *Workflow) notify(ctx context.Context, b Booking) {
	if w.attempts == nil {
		return
	}
	gen := w.attempts.Begin(b.ID)

	if !b.HasOwner() {
		w.attempts.Finish(b.ID, gen, PhaseError, MessageNoUser)
		return
	}
	if w.dispatcher == nil {
		w.attempts.Finish(b.ID, gen, PhaseError, MessageSendFailed)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.notifyTimeout)
	defer cancel()
	delivered, err := w.send(ctx, b)
	switch {
	case err != nil:
		glog.Warningf("booking: notify owner of %s: %v", b.ID, err)
		w.attempts.Finish(b.ID, gen, PhaseError, MessageSendFailed)
	case !delivered:
		w.attempts.Finish(b.ID, gen, PhaseError, MessageNotificationsOff)
	default:
		w.attempts.Finish(b.ID, gen, PhaseSuccess, "")
	}
}

func (w *Workflow) send(ctx context.Context, b Booking) (delivered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			delivered, err = false, fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return w.dispatcher.Send(ctx, b)
}
