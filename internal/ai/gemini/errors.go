package gemini

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/spigell/hh-sieve/internal/retry"
)

const retryInfoType = "type.googleapis.com/google.rpc.RetryInfo"

// classifyError is the single place where genai errors become retry failures.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		message := strings.TrimSpace(apiErr.Message)
		if message == "" {
			message = apiErr.Status
		}

		f := retry.NewFailure(apiErr.Code, message, err)
		if f.Kind == retry.KindClient && tokenLimitExceeded(message) {
			f.Kind = retry.KindPayloadTooLarge
		}
		f.RetryAfter = retryDelay(apiErr.Details)
		return f
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &retry.Failure{Kind: retry.KindTransport, Message: err.Error(), Err: err}
	}

	return retry.Classify(err)
}

func tokenLimitExceeded(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "exceeds the maximum number of tokens") ||
		strings.Contains(lower, "token count") && strings.Contains(lower, "exceeds")
}

// retryDelay reads google.rpc.RetryInfo and returns the delay in seconds.
func retryDelay(details []map[string]any) string {
	for _, detail := range details {
		if t, _ := detail["@type"].(string); t != retryInfoType {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d < 0 {
			continue
		}
		return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	}
	return ""
}

func emptyResponse(resp *genai.GenerateContentResponse) error {
	reason := "no text parts"
	if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		reason = fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	} else if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].FinishReason != "" {
		reason = fmt.Sprintf("finish reason %s", resp.Candidates[0].FinishReason)
	}
	return &retry.Failure{
		Kind:    retry.KindInvalidOutput,
		Message: "gemini api returned empty response: " + reason,
	}
}
