package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"strings"

	"codecompete/internal/common/storage"
	"codecompete/internal/judge/model"
	appErr "codecompete/pkg/errors"
)

// loadSource downloads the submission's code and verifies its hash when one was recorded.
func (s *JudgeService) loadSource(ctx context.Context, sub *model.Submission) (string, error) {
	ctxStorage := ctx
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	reader, err := s.storage.GetObject(ctxStorage, s.sourceBucket, sub.SourceKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", appErr.New(appErr.SourceNotFound).WithMessage("source code not found")
		}
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "download source failed")
	}
	defer reader.Close()

	hasher := sha256.New()
	body, err := io.ReadAll(io.TeeReader(io.LimitReader(reader, s.maxSourceBytes+1), hasher))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", appErr.New(appErr.SourceNotFound).WithMessage("source code not found")
		}
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "read source failed")
	}
	if int64(len(body)) > s.maxSourceBytes {
		return "", appErr.New(appErr.CodeTooLarge)
	}
	if sub.SourceHash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, sub.SourceHash) {
			return "", appErr.New(appErr.InvalidParams).WithMessage("source hash mismatch")
		}
	}
	return string(body), nil
}

// ValidateSourceKey checks that key is a clean relative object key.
func ValidateSourceKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return appErr.ValidationError("source_key", "required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return appErr.ValidationError("source_key", "must be a relative key")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." || segment == "." || segment == "" {
			return appErr.ValidationError("source_key", "must not contain empty or relative segments")
		}
	}
	if path.Clean(key) != key {
		return appErr.ValidationError("source_key", "must be a clean path")
	}
	return nil
}
