// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks client-side inputs before they are sent to the
// remote service.
//
// Identifiers end up in URL paths, so they are validated against strict
// patterns to prevent path injection. Attachments are checked against the
// same limits the server enforces so that a send fails before the
// optimistic insert instead of after it.
package validation

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// MaxAttachmentBytes is the decoded size limit for an image attachment.
	MaxAttachmentBytes = 4 * 1024 * 1024

	// MaxMessageContentBytes bounds a single chat message.
	MaxMessageContentBytes = 32 * 1024
)

// allowedImageMIMEs lists the attachment types the service accepts.
var allowedImageMIMEs = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

// scopeTypePattern matches the supported thread scopes.
var scopeTypePattern = regexp.MustCompile(`^(paper|project)$`)

// languagePattern matches short BCP-47-like language tags ("zh", "en-US").
var languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{2,8})?$`)

// ValidateID validates a server-assigned resource identifier (UUID).
//
// Example:
//
//	if err := validation.ValidateID(threadID); err != nil {
//	    return fmt.Errorf("invalid thread id: %w", err)
//	}
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid id format: %q", id)
	}
	return nil
}

// ValidateIDs validates multiple identifiers and lists every invalid one.
func ValidateIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid ids: %v", invalid)
	}
	return nil
}

// ValidateScopeType validates a thread scope type ("paper" or "project").
func ValidateScopeType(scopeType string) error {
	if !scopeTypePattern.MatchString(scopeType) {
		return fmt.Errorf("invalid scope type: %q (must be paper or project)", scopeType)
	}
	return nil
}

// SanitizeScopeType lower-cases and trims a scope type, then validates it.
func SanitizeScopeType(scopeType string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(scopeType))
	if err := ValidateScopeType(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateLanguage validates a target language tag.
func ValidateLanguage(lang string) error {
	if !languagePattern.MatchString(lang) {
		return fmt.Errorf("invalid language tag: %q", lang)
	}
	return nil
}

// ValidateImageDataURL checks an attachment payload of the form
// "data:image/<type>;base64,<payload>".
//
// # Outputs
//
//   - int: decoded payload size in bytes
//   - error: non-nil for malformed URLs, unsupported types, or payloads
//     over MaxAttachmentBytes
func ValidateImageDataURL(dataURL string) (int, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.Contains(header, ";base64") {
		return 0, fmt.Errorf("invalid image attachment")
	}
	mime, _, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";")
	if !allowedImageMIMEs[mime] {
		return 0, fmt.Errorf("unsupported image type: %s", mime)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, fmt.Errorf("invalid image attachment: %w", err)
	}
	if len(raw) > MaxAttachmentBytes {
		return 0, fmt.Errorf("image exceeds %dMB limit", MaxAttachmentBytes/(1024*1024))
	}
	return len(raw), nil
}

// =============================================================================
// Struct Validation
// =============================================================================

var (
	structValidator *validator.Validate
	validatorOnce   sync.Once
)

// validatorInstance returns the shared validator with custom tags
// registered: "scopetype", "datauri_image" and "maxbytes".
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("scopetype", func(fl validator.FieldLevel) bool {
			return ValidateScopeType(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("datauri_image", func(fl validator.FieldLevel) bool {
			_, err := ValidateImageDataURL(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
			return len(fl.Field().String()) <= MaxMessageContentBytes
		})
		structValidator = v
	})
	return structValidator
}

// Struct validates s using its `validate` struct tags.
//
// Validation errors are flattened into a single error naming each failing
// field and tag, e.g. "Server.BaseURL failed on url".
func Struct(s any) error {
	err := validatorInstance().Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.StructNamespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", field, fe.Tag()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}
