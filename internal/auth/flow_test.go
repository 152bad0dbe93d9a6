package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/voicedesk/internal/auth"
)

type fakeOTP struct {
	loginErr  error
	signupErr error
	verifyErr error
	signups   []string
}

func (f *fakeOTP) RequestLoginOTP(context.Context, string, string) (auth.OTPRequest, error) {
	return auth.OTPRequest{RequestID: "login"}, f.loginErr
}

func (f *fakeOTP) RequestSignupOTP(_ context.Context, _, _, name string) (auth.OTPRequest, error) {
	f.signups = append(f.signups, name)
	return auth.OTPRequest{RequestID: "signup"}, f.signupErr
}

func (f *fakeOTP) VerifyOTP(context.Context, string, string) (auth.Session, error) {
	if f.verifyErr != nil {
		return auth.Session{}, f.verifyErr
	}
	return auth.Session{Token: "tok", User: auth.User{ID: "u1"}}, nil
}

type recorded struct {
	mu     sync.Mutex
	fields []auth.Field
	values map[auth.Field]string
}

func (r *recorded) Record(f auth.Field, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = map[auth.Field]string{}
	}
	r.fields = append(r.fields, f)
	r.values[f] = v
}

func TestFlow_Login(t *testing.T) {
	t.Parallel()
	rec := &recorded{}
	store := auth.NewTokenStore(nil)
	f := auth.NewFlow(&fakeOTP{}, store, auth.WithRecorder(rec))
	ctx := context.Background()

	step, err := f.Begin(ctx, " 12345 ", "050 1234567")
	if err != nil || step != auth.StepOTP {
		t.Fatalf("Begin() = %q, %v; want otp", step, err)
	}
	if f.Pending().RequestID != "login" {
		t.Errorf("Pending() = %+v", f.Pending())
	}
	u, err := f.Verify(ctx, "123456")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if u.ID != "u1" || store.Token() != "tok" || f.Step() != auth.StepDone {
		t.Errorf("user=%+v token=%q step=%q", u, store.Token(), f.Step())
	}

	want := []auth.Field{auth.FieldNationalID, auth.FieldPhoneNumber, auth.FieldOTP}
	if len(rec.fields) != len(want) {
		t.Fatalf("recorded = %v, want %v", rec.fields, want)
	}
	for i := range want {
		if rec.fields[i] != want[i] {
			t.Errorf("recorded[%d] = %q, want %q", i, rec.fields[i], want[i])
		}
	}
	if rec.values[auth.FieldPhoneNumber] != "0501234567" {
		t.Errorf("phone recorded as %q, want normalized", rec.values[auth.FieldPhoneNumber])
	}
}

func TestFlow_Signup(t *testing.T) {
	t.Parallel()
	rec := &recorded{}
	otp := &fakeOTP{loginErr: auth.ErrSignupRequired}
	f := auth.NewFlow(otp, auth.NewTokenStore(nil), auth.WithRecorder(rec))
	ctx := context.Background()

	step, err := f.Begin(ctx, "12345", "0501234567")
	if err != nil || step != auth.StepSignup {
		t.Fatalf("Begin() = %q, %v; want signup", step, err)
	}
	step, err = f.Signup(ctx, " Sara Ali ")
	if err != nil || step != auth.StepOTP {
		t.Fatalf("Signup() = %q, %v; want otp", step, err)
	}
	if len(otp.signups) != 1 || otp.signups[0] != "Sara Ali" {
		t.Errorf("signups = %v", otp.signups)
	}
	if rec.values[auth.FieldFullName] != "Sara Ali" {
		t.Errorf("fullName recorded as %q", rec.values[auth.FieldFullName])
	}
}

func TestFlow_OutOfOrder(t *testing.T) {
	t.Parallel()
	f := auth.NewFlow(&fakeOTP{}, auth.NewTokenStore(nil))
	if _, err := f.Signup(context.Background(), "Sara"); !errors.Is(err, auth.ErrOutOfOrder) {
		t.Errorf("Signup() before Begin err = %v, want ErrOutOfOrder", err)
	}
	if _, err := f.Verify(context.Background(), "123456"); !errors.Is(err, auth.ErrOutOfOrder) {
		t.Errorf("Verify() before Begin err = %v, want ErrOutOfOrder", err)
	}
}

func TestFlow_ValidationDoesNotRecord(t *testing.T) {
	t.Parallel()
	rec := &recorded{}
	f := auth.NewFlow(&fakeOTP{}, auth.NewTokenStore(nil), auth.WithRecorder(rec))
	if _, err := f.Begin(context.Background(), "12", "0501234567"); !errors.Is(err, auth.ErrInvalidNationalID) {
		t.Fatalf("err = %v, want ErrInvalidNationalID", err)
	}
	if len(rec.fields) != 0 {
		t.Errorf("recorded = %v, want nothing", rec.fields)
	}
}

func TestFlow_VerifyFailureKeepsStep(t *testing.T) {
	t.Parallel()
	store := auth.NewTokenStore(nil)
	f := auth.NewFlow(&fakeOTP{verifyErr: auth.ErrUnauthorized}, store)
	_, _ = f.Begin(context.Background(), "12345", "0501234567")
	if _, err := f.Verify(context.Background(), "000000"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if f.Step() != auth.StepOTP || store.Token() != "" {
		t.Errorf("step=%q token=%q", f.Step(), store.Token())
	}
}

func TestFlow_SignOut(t *testing.T) {
	t.Parallel()
	store := auth.NewTokenStore(nil)
	f := auth.NewFlow(&fakeOTP{}, store)
	_, _ = f.Begin(context.Background(), "12345", "0501234567")
	_, _ = f.Verify(context.Background(), "123456")

	f.SignOut(context.Background())
	if store.Status() != auth.StatusAnonymous || f.Step() != auth.StepCredentials {
		t.Errorf("status=%q step=%q", store.Status(), f.Step())
	}
}
