// Command verifier runs one CAPTCHA verification job: the job input arrives as
// JSON on stdin, the single result object leaves on stdout. Diagnostics go to
// stderr and the process always exits 0; failure is reported in the result's
// error_type, never in the exit status.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"go.uber.org/zap"

	"tokengate/internal/captcha"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	out := run(logger)

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(out); err != nil {
		logger.Error("encode result", zap.Error(err))
	}
}

func run(logger *zap.Logger) captcha.Output {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Error("read input", zap.Error(err))
		return systemError("", "failed to read job input")
	}

	var in captcha.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		logger.Error("decode input", zap.Error(err))
		return systemError("", "invalid job input")
	}
	if in.SessionID == "" {
		return systemError("", "session_id is required")
	}
	if in.LaunchpadURL == "" {
		return systemError(in.SessionID, "launchpad_url is required")
	}

	logger.Info("verification job started",
		zap.String("session_id", in.SessionID),
		zap.String("buyer", in.Buyer))

	client := captcha.NewClient(in.LaunchpadURL, logger)
	res := client.Verify(context.Background(), in)

	logger.Info("verification job finished",
		zap.String("session_id", in.SessionID),
		zap.String("outcome", res.Outcome.String()))

	return res.Output(in.SessionID)
}

func systemError(sessionID, detail string) captcha.Output {
	return captcha.Output{
		SessionID: sessionID,
		Error:     detail,
		ErrorType: captcha.ErrTypeSystemError,
	}
}
