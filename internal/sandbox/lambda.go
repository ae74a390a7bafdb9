package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/functionsdo/gateway/internal/config"
)

// lambdaRunner invokes an AWS Lambda worker that hosts the code runtime.
type lambdaRunner struct {
	client   *awslambda.Client
	function string
}

func newLambdaRunner(cfg config.LambdaConfig) (*lambdaRunner, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: load AWS config: %w", err)
	}
	return &lambdaRunner{
		client:   awslambda.NewFromConfig(awsCfg),
		function: cfg.Function,
	}, nil
}

func (r *lambdaRunner) Name() string { return "lambda" }

func (r *lambdaRunner) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal request: %w", err)
	}

	out, err := r.client.Invoke(ctx, &awslambda.InvokeInput{
		FunctionName: aws.String(r.function),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: lambda invoke: %w", err)
	}

	// FunctionError means the worker itself crashed; the payload then holds
	// the Lambda error document, not a Result.
	if out.FunctionError != nil {
		return errorResult(fmt.Sprintf("lambda function error: %s", lambdaErrorMessage(out.Payload))), nil
	}
	return decodeResult(out.Payload)
}

func lambdaErrorMessage(payload []byte) string {
	var doc struct {
		ErrorMessage string `json:"errorMessage"`
		ErrorType    string `json:"errorType"`
	}
	if err := json.Unmarshal(payload, &doc); err == nil && doc.ErrorMessage != "" {
		if doc.ErrorType != "" {
			return doc.ErrorType + ": " + doc.ErrorMessage
		}
		return doc.ErrorMessage
	}
	return firstLine(payload)
}
