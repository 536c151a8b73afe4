// ABOUTME: Biometric verification performed on the device itself
// ABOUTME: Publishes a prompt and accepts the device's reported outcome

package verifier

import (
	"context"
	"errors"
	"log/slog"
)

// DeviceVerifier relays biometric prompts to the device and accepts the
// outcome it reports.
type DeviceVerifier struct {
	promptVerifier
}

// NewDeviceVerifier creates a biometric verifier publishing to prompter.
func NewDeviceVerifier(prompter Prompter, logger *slog.Logger) *DeviceVerifier {
	return &DeviceVerifier{promptVerifier: newPromptVerifier(KindBiometric, prompter, logger)}
}

// Verify publishes a biometric prompt for req.
func (v *DeviceVerifier) Verify(_ context.Context, req Request) error {
	return v.start(req)
}

// Report delivers the device's outcome for an outstanding prompt. A non-empty
// errMsg means the sensor could not be used at all and counts as a failure.
func (v *DeviceVerifier) Report(requestID, token string, success bool, errMsg string) error {
	v.mu.Lock()
	pr, err := v.lookupLocked(requestID, token)
	v.mu.Unlock()
	if err != nil {
		return err
	}

	var resErr error
	if errMsg != "" {
		resErr = errors.New(errMsg)
		success = false
	}
	v.finish(pr.req, success, resErr)
	return nil
}
