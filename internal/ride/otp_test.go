package ride

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ridepool/internal/models"
)

func TestGenerateOTPLength(t *testing.T) {
	for _, n := range []int{4, 5, 6} {
		for i := 0; i < 50; i++ {
			code, err := generateOTP(n)
			if err != nil {
				t.Fatal(err)
			}
			if len(code) != n {
				t.Fatalf("expected %d digits, got %q", n, code)
			}
			for _, c := range code {
				if c < '0' || c > '9' {
					t.Fatalf("non-digit in %q", code)
				}
			}
		}
	}
}

func TestPolicyNormalized(t *testing.T) {
	p := OTPPolicy{Length: 9}.normalized()
	if p.Length != 6 || p.TTL != 5*time.Minute || p.MaxAttempts != 5 {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestCheckOTPWithoutCode(t *testing.T) {
	r := &models.Ride{}
	if err := checkOTP(r, DefaultOTPPolicy(), "1234", time.Now()); !errors.Is(err, ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp, got %v", err)
	}
}
