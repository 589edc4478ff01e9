package ingestion

import (
	"context"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
)

// SubmitService parses a JSON command and applies it synchronously. The
// gRPC and HTTP surfaces use it for admin operations and manual injection;
// NATS remains the high-throughput path.
type SubmitService struct {
	engine *core.Engine
	parser *Parser
}

func NewSubmitService(engine *core.Engine, parser *Parser) *SubmitService {
	return &SubmitService{engine: engine, parser: parser}
}

// Submit decodes data as a command of type ct signed by signature and runs
// it through the engine.
func (s *SubmitService) Submit(ctx context.Context, ct event.CommandType, data []byte, signature string) (*core.CoreOutput, error) {
	cmd, err := s.parser.Parse(ct, data, signature, time.Now())
	if err != nil {
		return nil, err
	}
	return s.engine.ProcessCommand(ctx, cmd)
}

// SubmitCommand runs an already-typed command. Its caller is trusted as
// given, so only in-process code may use it.
func (s *SubmitService) SubmitCommand(ctx context.Context, cmd event.Command) (*core.CoreOutput, error) {
	return s.engine.ProcessCommand(ctx, cmd)
}
