package ride

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/example/ridepool/internal/models"
)

type OTPPolicy struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
	// MaxReissues bounds how many replacement codes a ride may receive.
	MaxReissues int
}

func DefaultOTPPolicy() OTPPolicy {
	return OTPPolicy{Length: 4, TTL: 5 * time.Minute, MaxAttempts: 5, MaxReissues: 3}
}

func (p OTPPolicy) normalized() OTPPolicy {
	if p.Length < 4 {
		p.Length = 4
	}
	if p.Length > 6 {
		p.Length = 6
	}
	if p.TTL <= 0 {
		p.TTL = 5 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.MaxReissues <= 0 {
		p.MaxReissues = 3
	}
	return p
}

func generateOTP(length int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < length; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

// issueOTP stores a fresh code on r and resets the attempt counter. The
// first code is free; replacements are limited to p.MaxReissues per ride.
func issueOTP(r *models.Ride, p OTPPolicy, now time.Time) (string, error) {
	if r.OTPIssues > p.MaxReissues {
		return "", fmt.Errorf("%w: reissue limit of %d reached", ErrOtpLocked, p.MaxReissues)
	}
	code, err := generateOTP(p.Length)
	if err != nil {
		return "", err
	}
	r.OTP = code
	r.OTPGeneratedAt = &now
	r.OTPAttempts = 0
	r.OTPIssues++
	return code, nil
}

// checkOTP validates code against r. A wrong code bumps the attempt counter
// and comes back wrapped in committed so the counter is persisted.
func checkOTP(r *models.Ride, p OTPPolicy, code string, now time.Time) error {
	if r.OTP == "" || r.OTPGeneratedAt == nil {
		return ErrInvalidOtp
	}
	if r.OTPAttempts >= p.MaxAttempts {
		return ErrOtpLocked
	}
	if now.Sub(*r.OTPGeneratedAt) > p.TTL {
		return ErrExpiredOtp
	}
	if subtle.ConstantTimeCompare([]byte(r.OTP), []byte(code)) != 1 {
		r.OTPAttempts++
		return &committed{err: ErrInvalidOtp}
	}
	return nil
}
