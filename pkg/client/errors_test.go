package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "server error should retry",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "local rate limit should not retry",
			errorClass: ErrorClassRateLimit,
			expected:   false,
		},
		{
			name:       "network error should retry",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "decode error should not retry",
			errorClass: ErrorClassDecode,
			expected:   false,
		},
		{
			name:       "open circuit should not retry",
			errorClass: ErrorClassCircuitOpen,
			expected:   false,
		},
		{
			name:       "cancelled caller should not retry",
			errorClass: ErrorClassCancelled,
			expected:   false,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name: "error with wrapped error",
			apiError: &APIError{
				StatusCode: 500,
				ErrorClass: ErrorClassServer,
				Message:    "internal server error",
				Err:        errors.New("connection refused"),
			},
			expected: "API server error (status 500): internal server error: connection refused",
		},
		{
			name: "error without wrapped error",
			apiError: &APIError{
				StatusCode: 404,
				ErrorClass: ErrorClassClient,
				Message:    "not found",
			},
			expected: "API client error (status 404): not found",
		},
		{
			name: "rate limit error",
			apiError: &APIError{
				ErrorClass: ErrorClassRateLimit,
				Message:    "rate limit exceeded for https://api.example.com/products",
				Err:        ErrRateLimited,
			},
			expected: "API rate_limit error (status 0): rate limit exceeded for https://api.example.com/products: rate limit exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.apiError.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	wrappedErr := errors.New("wrapped error")
	apiError := &APIError{
		StatusCode: 500,
		ErrorClass: ErrorClassServer,
		Message:    "server error",
		Err:        wrappedErr,
	}

	if unwrapped := apiError.Unwrap(); unwrapped != wrappedErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, wrappedErr)
	}

	if !errors.Is(apiError, wrappedErr) {
		t.Error("errors.Is should work with wrapped error")
	}
}

func TestAPIError_UnwrapNil(t *testing.T) {
	apiError := &APIError{
		StatusCode: 404,
		ErrorClass: ErrorClassClient,
		Message:    "not found",
	}

	if unwrapped := apiError.Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() = %v, want nil", unwrapped)
	}
}

func TestIsRateLimited(t *testing.T) {
	limited := &APIError{ErrorClass: ErrorClassRateLimit, Message: "denied", Err: ErrRateLimited}

	if !IsRateLimited(limited) {
		t.Error("IsRateLimited(rate limit APIError) = false, want true")
	}
	if !IsRateLimited(fmt.Errorf("batch request 0: %w", limited)) {
		t.Error("IsRateLimited(wrapped) = false, want true")
	}
	if IsRateLimited(&APIError{ErrorClass: ErrorClassServer, StatusCode: 503}) {
		t.Error("IsRateLimited(server error) = true, want false")
	}
}

func TestStatusCode(t *testing.T) {
	err := fmt.Errorf("%w after 4 attempts: %w", ErrRetryExhausted, &APIError{StatusCode: 503, ErrorClass: ErrorClassServer})

	if got := StatusCode(err); got != 503 {
		t.Errorf("StatusCode() = %d, want 503", got)
	}
	if got := StatusCode(errors.New("plain")); got != 0 {
		t.Errorf("StatusCode(plain) = %d, want 0", got)
	}
}
