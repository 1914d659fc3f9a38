package hosts

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/d1"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// D1 serves d1. Databases are resolved once per UUID and kept for the
// life of the process.
type D1 struct {
	dataDir string
	logger  *zap.Logger
	dbs     *registry[*d1.Database]
}

// NewD1 creates the host. An empty dataDir keeps every database in memory.
func NewD1(dataDir string, logger *zap.Logger) *D1 {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &D1{dataDir: dataDir, logger: logger.Named("d1")}
	h.dbs = newRegistry(h.open)
	return h
}

func (h *D1) open(ctx context.Context, id string) (*d1.Database, error) {
	path := ""
	if h.dataDir != "" {
		path = filepath.Join(h.dataDir, "d1", id+".sqlite")
	}
	db, err := d1.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("opened database", zap.String("uuid", id), zap.String("path", path))
	return db, nil
}

// Database resolves a database by UUID.
func (h *D1) Database(ctx context.Context, id string) (*d1.Database, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid database uuid %q: %w", id, err)
	}
	return h.dbs.get(ctx, parsed.String())
}

// Install registers d1 on c.
func (h *D1) Install(c Conn) {
	c.Channel.AddRequestHandler(protocol.MethodD1, handle(func(ctx context.Context, req protocol.D1Request) (any, error) {
		return h.Handle(ctx, req)
	}))
}

// Handle runs one d1 operation.
func (h *D1) Handle(ctx context.Context, req protocol.D1Request) (protocol.D1Response, error) {
	db, err := h.Database(ctx, req.DatabaseUUID)
	if err != nil {
		return protocol.D1Response{}, err
	}

	switch req.Method {
	case protocol.D1Exec:
		res, err := db.Exec(ctx, req.SQL)
		if err != nil {
			return protocol.D1Response{}, err
		}
		return protocol.D1Response{Exec: &res}, nil
	case protocol.D1Batch:
		res, err := db.Batch(ctx, req.Statements)
		if err != nil {
			return protocol.D1Response{}, err
		}
		return protocol.D1Response{Batch: res}, nil
	case protocol.D1First, protocol.D1All, protocol.D1Raw:
		res, err := db.Query(ctx, protocol.D1Statement{SQL: req.SQL, Params: req.Params})
		if err != nil {
			return protocol.D1Response{}, err
		}
		if req.Method == protocol.D1First && len(res.Rows) > 1 {
			res.Rows = res.Rows[:1]
		}
		return protocol.D1Response{Result: &res}, nil
	default:
		return protocol.D1Response{}, fmt.Errorf("d1 method %q not implemented", req.Method)
	}
}

// Close closes every database.
func (h *D1) Close() error {
	return h.dbs.closeAll(func(db *d1.Database) error { return db.Close() })
}
