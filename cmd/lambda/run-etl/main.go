// run-etl Lambda runs one incremental sync pass per invocation, triggered by
// an EventBridge scheduled rule instead of the cmd/syncpipe CLI.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/oakhealth/syncpipe/internal/lambda"
)

var (
	deps     *intlambda.Deps
	depsOnce sync.Once
	depsErr  error
)

func getDeps() (*intlambda.Deps, error) {
	depsOnce.Do(func() {
		deps, depsErr = intlambda.Init(context.Background())
	})
	return deps, depsErr
}

func handler(ctx context.Context, req intlambda.Request) (intlambda.Response, error) {
	d, err := getDeps()
	if err != nil {
		return intlambda.Response{}, err
	}
	return d.Handle(ctx, req)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
