package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"path/filepath"
	"strings"

	"github.com/morezero/taskrunner/pkg/access"
	"github.com/morezero/taskrunner/pkg/llm"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const remoteLogPrefix = "executor:remote"

const (
	extractEmailPrompt = "Extract the sender's email address from the following email. " +
		"Respond with the email address only.\n\n%s"
	creditCardPrompt = "This image contains a credit card. Extract the card number. " +
		"Respond with the digits only."
)

// TextGenerator is the text-completion subset of the LLM client.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// VisionGenerator is the vision subset of the LLM client.
type VisionGenerator interface {
	GenerateVision(ctx context.Context, messages []llm.Message, temperature float64) (string, error)
}

// FetchAPI downloads url and stores the body at output_path.
type FetchAPI struct {
	Access     *access.Policy
	Downloader *Downloader
}

// Execute requires url; output_path defaults to /data/api_data.json.
func (e *FetchAPI) Execute(ctx context.Context, params tasks.Parameters) (bool, error) {
	const stage = "fetch_api"
	if err := params.Require("url"); err != nil {
		return false, taskerr.Wrap(taskerr.CodeValidation, stage, "invalid parameters", err)
	}
	output := params.StringOr("output_path", "/data/api_data.json")

	// Fail on a denied destination before touching the network.
	if _, err := e.Access.Check(output); err != nil {
		return false, err
	}
	body, err := e.Downloader.Fetch(ctx, params.String("url"))
	if err != nil {
		return false, err
	}
	if err := e.Access.WriteFile(output, body, 0o644); err != nil {
		return false, err
	}
	slog.Info(fmt.Sprintf("%s - Saved %d bytes to %s", remoteLogPrefix, len(body), output))
	return true, nil
}

// ExtractEmail asks the LLM for the sender address of an email file.
type ExtractEmail struct {
	Access *access.Policy
	LLM    TextGenerator
}

// Execute sends the contents of input_file to the LLM and writes the parsed address to
// output_file.
func (e *ExtractEmail) Execute(ctx context.Context, params tasks.Parameters) (bool, error) {
	const stage = "extract_email"
	input := params.StringOr("input_file", "/data/email.txt")
	output := params.StringOr("output_file", "/data/email-sender.txt")

	if _, err := e.Access.Check(output); err != nil {
		return false, err
	}
	data, err := e.Access.ReadFile(input)
	if err != nil {
		return false, err
	}
	if e.LLM == nil {
		return false, taskerr.New(taskerr.CodeExecution, stage, "LLM client is not configured")
	}

	reply, err := e.LLM.Generate(ctx, fmt.Sprintf(extractEmailPrompt, string(data)), 0)
	if err != nil {
		return false, err
	}
	address, err := parseAddress(reply)
	if err != nil {
		return false, taskerr.Wrap(taskerr.CodeProtocol, stage, "LLM did not return an email address", err)
	}

	if err := e.Access.WriteFile(output, []byte(address), 0o644); err != nil {
		return false, err
	}
	slog.Info(fmt.Sprintf("%s - Extracted sender address into %s", remoteLogPrefix, output))
	return true, nil
}

// parseAddress accepts "a@b.c", "<a@b.c>" or "Name <a@b.c>".
func parseAddress(reply string) (string, error) {
	s := strings.Trim(strings.TrimSpace(reply), "`\"'")
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

// CreditCard reads a card number from an image with the LLM vision endpoint.
type CreditCard struct {
	Access *access.Policy
	LLM    VisionGenerator
}

// Execute sends input_file as a data URL and writes the 12 to 19 digits of the reply to
// output_file.
func (e *CreditCard) Execute(ctx context.Context, params tasks.Parameters) (bool, error) {
	const stage = "credit_card"
	input := params.StringOr("input_file", "/data/credit_card.png")
	output := params.StringOr("output_file", "/data/credit-card.txt")

	if _, err := e.Access.Check(output); err != nil {
		return false, err
	}
	data, err := e.Access.ReadFile(input)
	if err != nil {
		return false, err
	}
	if e.LLM == nil {
		return false, taskerr.New(taskerr.CodeExecution, stage, "LLM client is not configured")
	}

	messages := []llm.Message{llm.VisionMessage(creditCardPrompt, dataURL(input, data))}
	reply, err := e.LLM.GenerateVision(ctx, messages, 0)
	if err != nil {
		return false, err
	}
	digits := digitsOnly(reply)
	if len(digits) < 12 || len(digits) > 19 {
		return false, taskerr.Newf(taskerr.CodeProtocol, stage, "LLM returned %d digits, want 12-19", len(digits))
	}

	if err := e.Access.WriteFile(output, []byte(digits), 0o644); err != nil {
		return false, err
	}
	slog.Info(fmt.Sprintf("%s - Extracted card number into %s", remoteLogPrefix, output))
	return true, nil
}

// dataURL encodes an image as a base64 data URL.
func dataURL(name string, data []byte) string {
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".jpg", ".jpeg":
			mimeType = "image/jpeg"
		case ".gif":
			mimeType = "image/gif"
		default:
			mimeType = "image/png"
		}
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
