package failure

import (
	"errors"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ToFailure converts an error into its persisted form. Errors outside the
// taxonomy become application failures with an empty type tag.
func ToFailure(err error) *types.Failure {
	if err == nil {
		return nil
	}

	var compensated *CompensatedError
	if errors.As(err, &compensated) {
		f := ToFailure(compensated.Cause)
		if f == nil {
			f = &types.Failure{Kind: types.KindApplication}
		}
		f.Compensation = append([]types.CompensationStep(nil), compensated.Steps...)
		if !compensated.Complete() {
			return &types.Failure{
				Kind:         types.KindCompensation,
				Message:      compensated.Error(),
				NonRetryable: true,
				Compensation: f.Compensation,
				Cause:        f,
			}
		}
		return f
	}

	var compErr *CompensationError
	if errors.As(err, &compErr) {
		return &types.Failure{
			Kind:         types.KindCompensation,
			Message:      compErr.Error(),
			NonRetryable: true,
			Compensation: append([]types.CompensationStep(nil), compErr.Steps...),
			Cause:        ToFailure(compErr.Cause),
		}
	}

	var work *WorkError
	if errors.As(err, &work) {
		return ToFailure(work.Cause)
	}

	var app *ApplicationError
	if errors.As(err, &app) {
		return &types.Failure{
			Kind:         types.KindApplication,
			Type:         app.Type,
			Message:      app.Message,
			NonRetryable: app.NonRetryable,
			Details:      app.Details,
			Cause:        ToFailure(app.Cause),
		}
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return &types.Failure{
			Kind:         types.KindTimeout,
			Message:      timeout.Error(),
			TimeoutType:  timeout.TimeoutType,
			NonRetryable: !timeout.Retryable(),
		}
	}

	var divergence *ReplayDivergenceError
	if errors.As(err, &divergence) {
		return &types.Failure{Kind: types.KindReplayDivergence, Message: divergence.Error(), NonRetryable: true}
	}

	var rejected *MessageRejectedError
	if errors.As(err, &rejected) {
		return &types.Failure{Kind: types.KindMessageRejected, Type: rejected.Name, Message: rejected.Reason, NonRetryable: true}
	}

	var violation *ReadOnlyViolationError
	if errors.As(err, &violation) {
		return &types.Failure{Kind: types.KindReadOnlyViolation, Type: violation.Handler, Message: violation.Error(), NonRetryable: true}
	}

	var canceled *CanceledError
	if errors.As(err, &canceled) {
		return &types.Failure{Kind: types.KindCanceled, Message: canceled.Reason, NonRetryable: true}
	}

	var p *PanicError
	if errors.As(err, &p) {
		return &types.Failure{Kind: types.KindPanic, Type: string(types.KindPanic), Message: p.Value, Details: types.Payload{Encoding: "text/plain", Data: []byte(p.Stack)}}
	}

	return &types.Failure{Kind: types.KindApplication, Message: err.Error()}
}

// FromFailure rebuilds a typed error from its persisted form.
func FromFailure(f *types.Failure) error {
	if f == nil {
		return nil
	}

	var err error
	switch f.Kind {
	case types.KindTimeout:
		err = &TimeoutError{TimeoutType: f.TimeoutType}
	case types.KindReplayDivergence:
		err = &ReplayDivergenceError{Expected: "recorded decision", Actual: f.Message}
	case types.KindMessageRejected:
		err = &MessageRejectedError{Name: f.Type, Reason: f.Message}
	case types.KindReadOnlyViolation:
		err = &ReadOnlyViolationError{Handler: f.Type, Operation: f.Message}
	case types.KindCanceled:
		err = &CanceledError{Reason: f.Message}
	case types.KindPanic:
		err = &PanicError{Value: f.Message, Stack: string(f.Details.Data)}
	case types.KindCompensation:
		return &CompensationError{Steps: f.Compensation, Cause: FromFailure(f.Cause)}
	case types.KindRunTimeout:
		err = &ApplicationError{Type: string(types.KindRunTimeout), Message: f.Message, NonRetryable: true}
	default:
		err = &ApplicationError{
			Type:         f.Type,
			Message:      f.Message,
			NonRetryable: f.NonRetryable,
			Details:      f.Details,
			Cause:        FromFailure(f.Cause),
		}
	}

	if len(f.Compensation) > 0 {
		return &CompensatedError{Cause: err, Steps: f.Compensation}
	}
	return err
}
