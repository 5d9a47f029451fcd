package composition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const BindingName = "preProcess|process|postProcess"

// Functions are independent steps chained into one binding.
type Functions struct {
	logger log.Logger
}

func NewFunctions(logger log.Logger) *Functions {
	return &Functions{logger: logger}
}

func (f *Functions) PreProcess(ctx context.Context, in []byte) (string, error) {
	f.logger.WithField("input", string(in)).Info(ctx, "preProcess")
	return `{"preProcess":"says hello"}`, nil
}

func (f *Functions) Process(ctx context.Context, in string) (string, error) {
	var node map[string]any
	if err := json.Unmarshal([]byte(in), &node); err != nil {
		return "", fmt.Errorf("process input is not a json object: %w", err)
	}

	f.logger.WithField("input", node).Info(ctx, "process")
	return "Hello World from process", nil
}

func (f *Functions) PostProcess(ctx context.Context, in string) (string, error) {
	f.logger.WithField("input", in).Info(ctx, "postProcess")
	return "postProcess is complete!", nil
}

// Handler runs preProcess, process and postProcess in order and emits the last result.
func (f *Functions) Handler() message.Handler {
	composed := message.Compose[[]byte, string, string](
		message.Compose[[]byte, string, string](f.PreProcess, f.Process),
		f.PostProcess,
	)

	return message.FunctionHandler(message.BytesDecoder(), message.StringEncoder(), composed)
}
