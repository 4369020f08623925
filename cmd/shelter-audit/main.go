// Command shelter-audit is an AWS Lambda function that logs changes to the
// animals table from its DynamoDB stream.
package main

import (
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/shelter/internal/logging"
	"github.com/jacentio/shelter/stream"
)

func main() {
	level := os.Getenv("LOG_LEVEL")
	logger, err := logging.New(level, nil, map[string]any{"service": "shelter-audit"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	h := stream.NewHandler(nil, logger)
	lambda.Start(h.HandleAudit)
}
