package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Step is the position of a [Flow].
type Step string

const (
	StepCredentials Step = "credentials"
	StepSignup      Step = "signup"
	StepOTP         Step = "otp"
	StepDone        Step = "done"
)

// ErrOutOfOrder is returned when a flow method is called at the wrong step.
var ErrOutOfOrder = errors.New("auth: flow step out of order")

// OTPClient is the backend surface used by [Flow]. [*Client] implements it.
type OTPClient interface {
	RequestLoginOTP(ctx context.Context, nationalID, phone string) (OTPRequest, error)
	RequestSignupOTP(ctx context.Context, nationalID, phone, fullName string) (OTPRequest, error)
	VerifyOTP(ctx context.Context, phone, otp string) (Session, error)
}

var _ OTPClient = (*Client)(nil)

// Flow drives one login or signup at a time.
type Flow struct {
	client   OTPClient
	store    *TokenStore
	recorder FieldRecorder

	mu      sync.Mutex
	step    Step
	nid     string
	phone   string
	pending OTPRequest
}

// FlowOption is a functional option for [NewFlow].
type FlowOption func(*Flow)

// WithRecorder forwards collected fields to r.
func WithRecorder(r FieldRecorder) FlowOption {
	return func(f *Flow) { f.recorder = r }
}

// NewFlow returns a flow at [StepCredentials].
func NewFlow(c OTPClient, store *TokenStore, opts ...FlowOption) *Flow {
	f := &Flow{client: c, store: store, step: StepCredentials}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Pending returns the last OTP acknowledgement.
func (f *Flow) Pending() OTPRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *Flow) record(field Field, value string) {
	if f.recorder != nil {
		f.recorder.Record(field, value)
	}
}

// Begin submits national id and phone. It may be called at any step and
// restarts the flow. The result is [StepOTP] for known users and
// [StepSignup] otherwise.
func (f *Flow) Begin(ctx context.Context, nationalID, phone string) (Step, error) {
	nid, err := NormalizeNationalID(nationalID)
	if err != nil {
		return f.Step(), err
	}
	ph, err := NormalizePhone(phone)
	if err != nil {
		return f.Step(), err
	}
	f.record(FieldNationalID, nid)
	f.record(FieldPhoneNumber, ph)

	f.mu.Lock()
	f.nid, f.phone, f.step, f.pending = nid, ph, StepCredentials, OTPRequest{}
	f.mu.Unlock()

	req, err := f.client.RequestLoginOTP(ctx, nid, ph)
	switch {
	case errors.Is(err, ErrSignupRequired):
		return f.advance(StepSignup, OTPRequest{}), nil
	case err != nil:
		return StepCredentials, fmt.Errorf("request login code: %w", err)
	}
	return f.advance(StepOTP, req), nil
}

// Signup submits the full name of a new user.
func (f *Flow) Signup(ctx context.Context, fullName string) (Step, error) {
	name, err := NormalizeName(fullName)
	if err != nil {
		return f.Step(), err
	}
	f.mu.Lock()
	step, nid, ph := f.step, f.nid, f.phone
	f.mu.Unlock()
	if step != StepSignup {
		return step, ErrOutOfOrder
	}
	f.record(FieldFullName, name)

	req, err := f.client.RequestSignupOTP(ctx, nid, ph, name)
	if err != nil {
		return StepSignup, fmt.Errorf("request signup code: %w", err)
	}
	return f.advance(StepOTP, req), nil
}

// Verify submits the one-time code and stores the issued token.
func (f *Flow) Verify(ctx context.Context, otp string) (User, error) {
	code, err := NormalizeOTP(otp)
	if err != nil {
		return User{}, err
	}
	f.mu.Lock()
	step, ph := f.step, f.phone
	f.mu.Unlock()
	if step != StepOTP {
		return User{}, ErrOutOfOrder
	}
	f.record(FieldOTP, code)

	sess, err := f.client.VerifyOTP(ctx, ph, code)
	if err != nil {
		return User{}, fmt.Errorf("verify code: %w", err)
	}
	f.advance(StepDone, OTPRequest{})
	if err := f.store.Set(ctx, sess.Token, sess.User); err != nil {
		return User{}, err
	}
	return sess.User, nil
}

// SignOut clears the token and restarts the flow.
func (f *Flow) SignOut(ctx context.Context) {
	f.Reset()
	f.store.Clear(ctx, ReasonSignOut)
}

// Reset returns the flow to [StepCredentials].
func (f *Flow) Reset() {
	f.mu.Lock()
	f.step, f.nid, f.phone, f.pending = StepCredentials, "", "", OTPRequest{}
	f.mu.Unlock()
}

func (f *Flow) advance(to Step, req OTPRequest) Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = to
	f.pending = req
	return to
}
