package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/renwei/cvflow/internal/config"
	"github.com/renwei/cvflow/internal/logger"
)

// Document types accepted for upload and their MIME types.
var docTypeMimes = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"doc":  "application/msword",
}

// MimeForDocType returns the MIME type for a supported document type.
func MimeForDocType(docType string) (string, bool) {
	mime, ok := docTypeMimes[docType]
	return mime, ok
}

// DocTypeForFile resolves the document type from a file name and declared
// content type. The extension wins; the content type is a fallback for
// files uploaded without one.
func DocTypeForFile(fileName, contentType string) (string, bool) {
	name := strings.ToLower(fileName)
	for docType := range docTypeMimes {
		if strings.HasSuffix(name, "."+docType) {
			return docType, true
		}
	}
	for docType, mime := range docTypeMimes {
		if contentType == mime {
			return docType, true
		}
	}
	return "", false
}

// TextExtractor extracts plain text from uploaded documents via a Tika-style
// extraction endpoint.
type TextExtractor struct {
	client *resty.Client
	log    *logger.Logger
}

// NewTextExtractor creates an extractor client against cfg.BaseURL.
func NewTextExtractor(cfg config.ExtractorConfig, log *logger.Logger) *TextExtractor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &TextExtractor{
		client: client,
		log:    log.WithField(logger.FieldComponent, "extractor"),
	}
}

// Extract sends the document body to the extraction endpoint and returns the
// extracted plain text.
func (e *TextExtractor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	start := time.Now()

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", mimeType).
		SetHeader("Accept", "text/plain").
		SetBody(data).
		Put("/tika")
	if err != nil {
		return "", fmt.Errorf("extraction request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("extraction endpoint returned %d: %s", resp.StatusCode(), resp.String())
	}

	text := strings.TrimSpace(resp.String())

	e.log.WithFields(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldSize:       len(text),
	}).Debug("Text extracted")

	return text, nil
}
