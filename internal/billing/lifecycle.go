package billing

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

type trigger string

const (
	triggerIssue  trigger = "issue"
	triggerPay    trigger = "pay"
	triggerExpire trigger = "expire"
	triggerCancel trigger = "cancel"
)

// newLifecycle builds the invoice state machine positioned at status.
//
//	draft -> issued -> {paid, overdue, cancelled}
//	overdue -> paid
//
// paid and cancelled are terminal.
func newLifecycle(status InvoiceStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(StatusDraft).
		Permit(triggerIssue, StatusIssued).
		Permit(triggerCancel, StatusCancelled)

	sm.Configure(StatusIssued).
		Permit(triggerPay, StatusPaid).
		Permit(triggerExpire, StatusOverdue).
		Permit(triggerCancel, StatusCancelled)

	sm.Configure(StatusOverdue).
		Permit(triggerPay, StatusPaid)

	sm.Configure(StatusPaid)
	sm.Configure(StatusCancelled)

	return sm
}

// fire moves the invoice along the lifecycle or returns ErrInvalidTransition.
func (inv *Invoice) fire(t trigger) error {
	sm := newLifecycle(inv.Status)
	if err := sm.Fire(t); err != nil {
		return fmt.Errorf("%w: cannot %s a %s invoice", ErrInvalidTransition, t, inv.Status)
	}
	inv.Status = sm.MustState().(InvoiceStatus)
	return nil
}
