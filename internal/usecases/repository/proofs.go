package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/database"
)

// ProofsRepository stores immutable attestation records.
type ProofsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewProofsRepository(logger *slog.Logger, pg *database.Postgres) *ProofsRepository {
	return &ProofsRepository{logger: logger, db: pg.DBGetter}
}

// InsertProof stores a proof. Proofs are never updated afterwards.
func (r *ProofsRepository) InsertProof(ctx context.Context, proof *entities.Proof) error {
	query := `INSERT INTO proofs (id, provider_domain, proof_type, attestations, predicate_expr, raw_proof, signature)
              VALUES ($1, $2, $3, $4, $5, $6, $7)
              RETURNING created_at`

	err := r.db(ctx).QueryRow(ctx, query,
		proof.ID,
		proof.ProviderDomain,
		proof.ProofType,
		proof.Attestations,
		proof.PredicateExpr,
		proof.RawProof,
		proof.Signature,
	).Scan(&proof.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert proof: %w", err)
	}

	return nil
}

func (r *ProofsRepository) FindProof(ctx context.Context, id string) (*entities.Proof, error) {
	query := `SELECT id, provider_domain, proof_type, attestations, predicate_expr, raw_proof, signature, created_at
              FROM proofs
              WHERE id = $1`

	rows, err := r.db(ctx).Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query proof: %w", err)
	}

	proof, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[entities.Proof])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.WrapError(entities.ErrNotFound, "proof %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect proof row: %w", err)
	}

	return proof, nil
}
