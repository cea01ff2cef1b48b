package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// OpKind names a batch operation.
type OpKind string

const (
	OpCreateNode OpKind = "create_node"
	OpUpdateNode OpKind = "update_node"
	OpDeleteNode OpKind = "delete_node"
	OpCreateEdge OpKind = "create_edge"
	OpUpdateEdge OpKind = "update_edge"
	OpDeleteEdge OpKind = "delete_edge"
	OpMapEvent   OpKind = "map_event"
)

// BatchOp is one mutation. Node is used by node create/update, Edge by edge
// create/update, ID by deletes. EventID, on OpCreateNode, records the
// ingested event that produced the node; OpMapEvent records it for the
// existing node ID.
type BatchOp struct {
	Kind    OpKind
	Node    *Node
	Edge    *Edge
	ID      string
	EventID string
}

// OpError reports one failed operation inside a batch.
type OpError struct {
	Index int
	Kind  OpKind
	ID    string
	Err   error
}

func (e OpError) Error() string {
	return fmt.Sprintf("op %d (%s %s): %v", e.Index, e.Kind, e.ID, e.Err)
}

func (e OpError) Unwrap() error { return e.Err }

// BatchResult counts the nodes and edges a batch affected. Failed operations
// are rolled back individually and listed in Errors.
type BatchResult struct {
	NodesAffected int
	EdgesAffected int
	Errors        []OpError
}

// Batch executes ops as one transaction. Each op runs under its own
// savepoint so a failing op is undone without discarding the others; the
// returned error is reserved for failures that leave the whole batch
// unusable, in which case nothing is committed.
func (db *DB) Batch(ctx context.Context, ops []BatchOp) (*BatchResult, error) {
	res := &BatchResult{}
	if len(ops) == 0 {
		return res, nil
	}
	err := db.withTx(ctx, "batch", func(tx *sqlx.Tx) error {
		for i, op := range ops {
			if err := ctx.Err(); err != nil {
				return apperrors.Timeout("batch", err)
			}
			if _, err := tx.ExecContext(ctx, "SAVEPOINT op"); err != nil {
				return apperrors.Storage("batch", fmt.Errorf("savepoint: %w", err))
			}
			nodes, edges, opErr := applyOp(ctx, tx, op)
			if opErr != nil {
				if _, err := tx.ExecContext(ctx, "ROLLBACK TO op"); err != nil {
					return apperrors.Storage("batch", fmt.Errorf("rollback to savepoint: %w", err))
				}
				res.Errors = append(res.Errors, OpError{Index: i, Kind: op.Kind, ID: opID(op), Err: opErr})
			} else {
				res.NodesAffected += nodes
				res.EdgesAffected += edges
			}
			if _, err := tx.ExecContext(ctx, "RELEASE op"); err != nil {
				return apperrors.Storage("batch", fmt.Errorf("release savepoint: %w", err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		db.log.Debug("batch completed with failed ops",
			zap.Int("ops", len(ops)), zap.Int("failed", len(res.Errors)))
	}
	return res, nil
}

func applyOp(ctx context.Context, tx *sqlx.Tx, op BatchOp) (nodes, edges int, err error) {
	switch op.Kind {
	case OpCreateNode:
		if op.Node == nil {
			return 0, 0, fmt.Errorf("%w: missing node", ErrInvalidNode)
		}
		if err := insertNode(ctx, tx, op.Node); err != nil {
			return 0, 0, err
		}
		if op.EventID != "" {
			if err := mapEvent(ctx, tx, op.EventID, op.Node.ID, op.Node.CreatedAt); err != nil {
				return 0, 0, err
			}
		}
		return 1, 0, nil

	case OpUpdateNode:
		if op.Node == nil {
			return 0, 0, fmt.Errorf("%w: missing node", ErrInvalidNode)
		}
		ok, err := updateNode(ctx, tx, op.Node)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, apperrors.NotFound("update node", "node", op.Node.ID)
		}
		return 1, 0, nil

	case OpDeleteNode:
		ok, err := deleteNode(ctx, tx, op.ID)
		if err != nil || !ok {
			return 0, 0, notFoundOr(err, "delete node", "node", op.ID)
		}
		return 1, 0, nil

	case OpCreateEdge:
		if op.Edge == nil {
			return 0, 0, fmt.Errorf("%w: missing edge", ErrInvalidEdge)
		}
		created, err := insertEdge(ctx, tx, op.Edge)
		if err != nil {
			return 0, 0, err
		}
		if created {
			return 0, 1, nil
		}
		return 0, 0, nil

	case OpUpdateEdge:
		if op.Edge == nil {
			return 0, 0, fmt.Errorf("%w: missing edge", ErrInvalidEdge)
		}
		ok, err := updateEdge(ctx, tx, op.Edge)
		if err != nil || !ok {
			return 0, 0, notFoundOr(err, "update edge", "edge", op.Edge.ID)
		}
		return 0, 1, nil

	case OpDeleteEdge:
		ok, err := deleteEdge(ctx, tx, op.ID)
		if err != nil || !ok {
			return 0, 0, notFoundOr(err, "delete edge", "edge", op.ID)
		}
		return 0, 1, nil

	case OpMapEvent:
		var exists int
		if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM nodes WHERE id = ?", op.ID); err != nil {
			return 0, 0, fmt.Errorf("check node: %w", err)
		}
		if exists == 0 {
			return 0, 0, apperrors.NotFound("map event", "node", op.ID)
		}
		return 0, 0, mapEvent(ctx, tx, op.EventID, op.ID, nowMillis())
	}
	return 0, 0, fmt.Errorf("unknown batch op %q", op.Kind)
}

func notFoundOr(err error, op, what, id string) error {
	if err != nil {
		return err
	}
	return apperrors.NotFound(op, what, id)
}

func opID(op BatchOp) string {
	switch {
	case op.Node != nil:
		return op.Node.ID
	case op.Edge != nil:
		return op.Edge.ID
	}
	return op.ID
}

func mapEvent(ctx context.Context, ext sqlx.ExtContext, eventID, nodeID string, at int64) error {
	_, err := ext.ExecContext(ctx,
		"INSERT INTO event_nodes (event_id, node_id, created_at) VALUES (?, ?, ?)",
		eventID, nodeID, at)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, eventID)
		}
		return fmt.Errorf("map event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsConflict reports whether a batch op failed on a stale version.
func IsConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
