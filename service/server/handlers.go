package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/settlement"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxIDLength        = 128
	settleWriteTimeout = 5 * time.Minute
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// settleRequest is the JSON body of POST /api/v1/investments.
type settleRequest struct {
	Mode            string `json:"mode"`
	FarmID          string `json:"farm_id"`
	InvestorID      string `json:"investor_id"`
	TokenAmount     int64  `json:"token_amount"`
	TransactionHash string `json:"transaction_hash"`
	WalletAddress   string `json:"wallet_address"`
}

// errorResponse is the JSON body of every error.
type errorResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Step         string `json:"step,omitempty"`
	InvestmentID string `json:"investment_id,omitempty"`
}

// handleSettle returns a handler that settles a claimed payment.
// POST /api/v1/investments
func handleSettle(settler Settler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var body settleRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			logger.Debug("failed to decode settle request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		req, err := body.validate()
		if err != nil {
			logger.Debug("invalid settle request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Verification polling and mints outlive the default write deadline.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(settleWriteTimeout))

		// A disconnecting client must not abort a settlement halfway through its mints.
		ctx := context.WithoutCancel(r.Context())
		result, err := settler.Settle(ctx, req)
		if err != nil {
			writeSettlementError(w, err, logger.With("transaction_hash", req.TransactionHash))
			return
		}

		logger.InfoContext(r.Context(), "settlement completed",
			"transaction_hash", req.TransactionHash,
			"mode", req.Mode,
			"investment_id", result.Investment.ID,
		)
		writeJSON(w, result, http.StatusCreated)
	})
}

// validate checks the request shape before it reaches the settlement service.
func (b settleRequest) validate() (settlement.Request, error) {
	mode := settlement.Mode(b.Mode)
	if !mode.Valid() {
		return settlement.Request{}, errorf("invalid mode: must be 'direct' or 'pooled'")
	}
	if err := validateID("investor_id", b.InvestorID); err != nil {
		return settlement.Request{}, err
	}
	if mode == settlement.ModeDirect {
		if err := validateID("farm_id", b.FarmID); err != nil {
			return settlement.Request{}, err
		}
	}
	if b.TokenAmount <= 0 {
		return settlement.Request{}, errorf("token_amount must be positive")
	}
	if err := validateAddress(b.WalletAddress); err != nil {
		return settlement.Request{}, errorf("invalid wallet_address: %v", err)
	}
	if _, err := solanago.PublicKeyFromBase58(b.WalletAddress); err != nil {
		return settlement.Request{}, errorf("invalid wallet_address: not a public key")
	}
	if err := validateSignature(b.TransactionHash); err != nil {
		return settlement.Request{}, err
	}

	req := settlement.Request{
		Mode:            mode,
		InvestorID:      b.InvestorID,
		TokenAmount:     b.TokenAmount,
		TransactionHash: b.TransactionHash,
		WalletAddress:   b.WalletAddress,
	}
	if mode == settlement.ModeDirect {
		req.FarmID = b.FarmID
	}
	return req, nil
}

// handleGetInvestment returns a handler that retrieves an investment by its payment hash.
// GET /api/v1/investments/{hash}
func handleGetInvestment(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if err := validateSignature(hash); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		inv, err := store.GetInvestmentByHash(r.Context(), hash)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "investment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get investment", "transaction_hash", hash, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, inv, http.StatusOK)
	})
}

// handleListInvestments returns a handler that lists an investor's investments.
// GET /api/v1/investments?investor_id=ID&limit=N&offset=N
func handleListInvestments(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		investorID := query.Get("investor_id")

		if investorID == "" {
			writeError(w, "investor_id query parameter is required", http.StatusBadRequest)
			return
		}
		if err := validateID("investor_id", investorID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, offset, err := parsePagination(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		investments, err := store.ListInvestmentsByInvestor(r.Context(), db.ListInvestmentsParams{
			InvestorID: investorID,
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			logger.Error("failed to list investments", "investor_id", investorID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if investments == nil {
			investments = []*db.Investment{}
		}

		logger.Debug("investments listed", "investor_id", investorID, "count", len(investments))

		writeJSON(w, map[string]interface{}{
			"investments": investments,
			"count":       len(investments),
			"limit":       limit,
			"offset":      offset,
		}, http.StatusOK)
	})
}

// handleGetTransaction returns a handler that retrieves a ledger transaction by hash.
// GET /api/v1/transactions/{hash}
func handleGetTransaction(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if err := validateSignature(hash); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txn, err := store.GetTransactionByHash(r.Context(), hash)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get transaction", "transaction_hash", hash, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, txn, http.StatusOK)
	})
}

// handleListEligibleFarms returns a handler that lists the current pooled recipient set.
// GET /api/v1/farms/eligible
func handleListEligibleFarms(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		farms, err := store.ListEligibleFarms(r.Context())
		if err != nil {
			logger.Error("failed to list eligible farms", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if farms == nil {
			farms = []*db.Farm{}
		}

		writeJSON(w, map[string]interface{}{
			"farms": farms,
			"count": len(farms),
		}, http.StatusOK)
	})
}

// statusForKind maps settlement error kinds to HTTP status codes.
func statusForKind(kind settlement.Kind) int {
	switch kind {
	case settlement.KindValidation:
		return http.StatusBadRequest
	case settlement.KindNotFound:
		return http.StatusNotFound
	case settlement.KindVerification:
		return http.StatusUnprocessableEntity
	case settlement.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeSettlementError writes a classified settlement failure.
func writeSettlementError(w http.ResponseWriter, err error, logger *slog.Logger) {
	serr, ok := settlement.AsError(err)
	if !ok {
		logger.Error("settlement failed", "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := statusForKind(serr.Kind)
	if status >= http.StatusInternalServerError {
		logger.Error("settlement failed",
			"kind", serr.Kind,
			"step", serr.Step,
			"investment_id", serr.InvestmentID,
			"error", err,
		)
	} else {
		logger.Info("settlement rejected", "kind", serr.Kind, "error", err)
	}

	writeJSON(w, errorResponse{
		Error:        serr.Error(),
		Kind:         string(serr.Kind),
		Reason:       serr.Reason(),
		Step:         serr.Step,
		InvestmentID: serr.InvestmentID,
	}, status)
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}

// validateAddress validates a base58 wallet address.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// validateSignature checks that hash decodes as a transaction signature.
func validateSignature(hash string) error {
	if hash == "" {
		return errorf("transaction_hash is required")
	}
	if !validAddressRegex.MatchString(hash) {
		return errorf("invalid transaction_hash: must contain only valid base58 characters")
	}
	if _, err := solanago.SignatureFromBase58(hash); err != nil {
		return errorf("invalid transaction_hash: not a transaction signature")
	}
	return nil
}

// validateID checks an opaque identifier such as an investor or farm ID.
func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return errorf("%s too long: maximum length is %d characters", field, maxIDLength)
	}
	for _, r := range id {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in %s: control characters not allowed", field)
		}
	}
	return nil
}

// parsePagination parses limit (default 100, max 1000) and offset (default 0).
func parsePagination(limitStr, offsetStr string) (int32, int32, error) {
	limit := int32(100)
	if limitStr != "" {
		var parsedLimit int
		if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if parsedLimit < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if parsedLimit > 1000 {
			return 0, 0, errorf("limit cannot exceed 1000")
		}
		limit = int32(parsedLimit)
	}

	offset := int32(0)
	if offsetStr != "" {
		var parsedOffset int
		if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if parsedOffset < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = int32(parsedOffset)
	}

	return limit, offset, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
