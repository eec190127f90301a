// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/loomworks/loom/pkg/errors"
)

// MinCredentialLength is the shortest acceptable bridge credential.
// Shorter secrets are guessable and are rejected at configuration time.
const MinCredentialLength = 16

// GenerateCredential produces a random hex credential suitable for the
// bridge server role. It is exposed out-of-band for callers to retrieve.
func GenerateCredential() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CheckCredentialStrength rejects configured secrets short enough to be
// guessable. An empty credential is acceptable: it means one will be
// generated.
func CheckCredentialStrength(credential string) error {
	if credential == "" {
		return nil
	}
	if len(credential) < MinCredentialLength {
		return errors.New(errors.CodeAuth,
			fmt.Sprintf("configured credential is shorter than %d characters", MinCredentialLength), nil)
	}
	return nil
}

// VerifyCredential compares a presented credential against the expected
// one in constant time.
func VerifyCredential(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
