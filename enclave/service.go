package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/attestation"
	"github.com/cloudx-io/batchauction/auction"
	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/enclaveapi"
	"github.com/cloudx-io/batchauction/encryption"
	"github.com/cloudx-io/batchauction/escrow"
	"github.com/cloudx-io/batchauction/fees"
	"github.com/cloudx-io/batchauction/metrics"
)

const typeError = "error"

var errUnknownRequest = errors.New("unknown request type")

// Service answers daemon requests against the registered auction modules.
type Service struct {
	registry *auction.Registry
	keys     *encryption.KeyManager
	attester attestation.Attester
	vault    *escrow.Vault
	fees     *fees.Accountant
	metrics  *metrics.Collector

	mu          sync.RWMutex
	settlements map[uint64]settlementExtras
}

// settlementExtras is what the daemon knows about a settlement beyond the ledger record.
type settlementExtras struct {
	failureReason string
	attestation   enclaveapi.AttestationCOSEBase64
}

func NewService(
	registry *auction.Registry,
	keys *encryption.KeyManager,
	attester attestation.Attester,
	vault *escrow.Vault,
	acc *fees.Accountant,
	collector *metrics.Collector,
) *Service {
	return &Service{
		registry:    registry,
		keys:        keys,
		attester:    attester,
		vault:       vault,
		fees:        acc,
		metrics:     collector,
		settlements: make(map[uint64]settlementExtras),
	}
}

// Handle decodes one request and returns the value to encode as the response.
func (s *Service) Handle(ctx context.Context, raw []byte) any {
	start := time.Now()

	var env enclaveapi.Request
	if err := json.Unmarshal(raw, &env); err != nil {
		log.WithError(err).Error("failed to decode request envelope")
		return &enclaveapi.Response{Type: typeError, Message: fmt.Sprintf("failed to decode request: %v", err)}
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	logger := log.WithFields(log.Fields{"type": env.Type, "request_id": env.RequestID})
	logger.Debug("received request")

	switch env.Type {
	case enclaveapi.TypePing:
		s.metrics.Request(env.Type, true)
		return map[string]any{
			"type":      "pong",
			"message":   "batch auction daemon is healthy",
			"timestamp": time.Now().Unix(),
		}
	case enclaveapi.TypeKeyRequest:
		resp, err := s.keyRequest()
		s.metrics.Request(env.Type, err == nil)
		if err != nil {
			logger.WithError(err).Error("key request failed")
			return &enclaveapi.Response{Type: typeError, RequestID: env.RequestID, Message: fmt.Sprintf("key request failed: %v", err)}
		}
		logger.WithField("key_id", resp.KeyID).Info("lot key generated")
		return resp
	}

	resp, err := s.dispatch(ctx, env.Type, raw)
	if resp == nil {
		resp = &enclaveapi.Response{}
	}
	resp.Type = env.Type
	resp.RequestID = env.RequestID
	resp.Success = err == nil
	if err != nil {
		if errors.Is(err, errUnknownRequest) {
			resp.Type = typeError
		}
		resp.Message = err.Error()
		logger.WithError(err).Warn("request failed")
	} else if resp.Message == "" {
		resp.Message = "ok"
	}
	resp.ProcessingTime = time.Since(start).Milliseconds()
	s.metrics.Request(env.Type, resp.Success)
	return resp
}

func (s *Service) dispatch(ctx context.Context, reqType string, raw []byte) (*enclaveapi.Response, error) {
	switch reqType {
	case enclaveapi.TypeDeposit:
		var req enclaveapi.DepositRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.deposit(&req)
	case enclaveapi.TypeBalance:
		var req enclaveapi.BalanceRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		bal := s.vault.BalanceOf(req.Asset, req.Account)
		return &enclaveapi.Response{Amount: bal.Dec()}, nil
	case enclaveapi.TypeCreateLot:
		var req enclaveapi.CreateLotRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.createLot(ctx, &req)
	case enclaveapi.TypeCancelLot:
		var req enclaveapi.CancelLotRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.cancelLot(ctx, &req)
	case enclaveapi.TypeBid:
		var req enclaveapi.BidRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.bid(ctx, &req)
	case enclaveapi.TypeRefundBid:
		var req enclaveapi.RefundBidRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.refundBid(ctx, &req)
	case enclaveapi.TypeSubmitPrivateKey:
		var req enclaveapi.SubmitPrivateKeyRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.submitPrivateKey(ctx, &req)
	case enclaveapi.TypeDecryptBids, enclaveapi.TypeSettle, enclaveapi.TypeAbort, enclaveapi.TypeGetLot:
		var req enclaveapi.LotRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.lotRequest(ctx, reqType, &req)
	case enclaveapi.TypeClaimBids:
		var req enclaveapi.ClaimBidsRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.claimBids(ctx, &req)
	case enclaveapi.TypeClaimProceeds:
		var req enclaveapi.ClaimProceedsRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return s.claimProceeds(ctx, &req)
	case enclaveapi.TypeClaimRewards:
		var req enclaveapi.ClaimRewardsRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		amount, err := s.fees.ClaimRewards(ctx, req.Recipient, req.Asset)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{Amount: amount.Dec()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownRequest, reqType)
	}
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: failed to decode request: %v", core.ErrInvalidParams, err)
	}
	return nil
}

func (s *Service) keyRequest() (*enclaveapi.KeyResponse, error) {
	keyID, pub, err := s.keys.Generate()
	if err != nil {
		return nil, err
	}
	att, err := attestation.GenerateKeyAttestation(s.attester, keyID, pub)
	if err != nil {
		s.keys.Forget(keyID)
		return nil, err
	}
	return &enclaveapi.KeyResponse{
		Type:           "key_response",
		KeyID:          keyID,
		PublicKey:      string(pub),
		KeyAttestation: att.EncodeBase64(),
	}, nil
}

func (s *Service) deposit(req *enclaveapi.DepositRequest) (*enclaveapi.Response, error) {
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Deposit(req.Asset, req.Account, amount); err != nil {
		return nil, err
	}
	bal := s.vault.BalanceOf(req.Asset, req.Account)
	return &enclaveapi.Response{Amount: bal.Dec()}, nil
}

func (s *Service) createLot(ctx context.Context, req *enclaveapi.CreateLotRequest) (*enclaveapi.Response, error) {
	module, err := s.moduleForVeecode(req.Veecode)
	if err != nil {
		return nil, err
	}
	if req.KeyID == "" {
		return nil, fmt.Errorf("%w: missing key_id", core.ErrInvalidParams)
	}
	pub, err := s.keys.PublicKeyPEM(req.KeyID)
	if err != nil {
		return nil, err
	}

	p := auction.CreateLotParams{
		Seller:     req.Seller,
		QuoteAsset: req.QuoteAsset,
		BaseAsset:  req.BaseAsset,
		Start:      req.Start,
		Duration:   time.Duration(req.DurationSeconds) * time.Second,
		PublicKey:  pub,
		Curator:    req.Curator,
	}
	if p.Capacity, err = parseAmount("capacity", req.Capacity); err != nil {
		return nil, err
	}
	if p.MinPrice, err = parseAmount("min_price", req.MinPrice); err != nil {
		return nil, err
	}
	if p.MinFillPercent, err = parsePercent("min_fill_percent", req.MinFillPercent); err != nil {
		return nil, err
	}
	if p.MinBidPercent, err = parsePercent("min_bid_percent", req.MinBidPercent); err != nil {
		return nil, err
	}
	if req.CuratorFee != "" {
		if p.CuratorFee, err = parsePercent("curator_fee", req.CuratorFee); err != nil {
			return nil, err
		}
	}

	lotID, err := module.CreateLot(ctx, p)
	if err != nil {
		return nil, err
	}
	return &enclaveapi.Response{LotID: lotID}, nil
}

func (s *Service) cancelLot(ctx context.Context, req *enclaveapi.CancelLotRequest) (*enclaveapi.Response, error) {
	module, err := s.registry.ModuleForLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	if err := module.Cancel(ctx, req.Caller, req.LotID); err != nil {
		return nil, err
	}
	return &enclaveapi.Response{LotID: req.LotID}, nil
}

func (s *Service) bid(ctx context.Context, req *enclaveapi.BidRequest) (*enclaveapi.Response, error) {
	module, err := s.registry.ModuleForLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	amountIn, err := parseAmount("amount_in", req.AmountIn)
	if err != nil {
		return nil, err
	}
	bidID, err := module.Bid(ctx, auction.BidParams{
		LotID:              req.LotID,
		Bidder:             req.Bidder,
		Referrer:           req.Referrer,
		AmountIn:           amountIn,
		EncryptedAmountOut: req.EncryptedAmountOut,
	})
	if err != nil {
		return nil, err
	}
	return &enclaveapi.Response{LotID: req.LotID, BidID: bidID}, nil
}

func (s *Service) refundBid(ctx context.Context, req *enclaveapi.RefundBidRequest) (*enclaveapi.Response, error) {
	module, err := s.registry.ModuleForLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	if err := module.RefundBid(ctx, req.Caller, req.LotID, req.BidID); err != nil {
		return nil, err
	}
	return &enclaveapi.Response{LotID: req.LotID, BidID: req.BidID}, nil
}

// submitPrivateKey reveals either the supplied key or the enclave held key KeyID. An
// enclave key is dropped from the key manager once the lot accepted it.
func (s *Service) submitPrivateKey(ctx context.Context, req *enclaveapi.SubmitPrivateKeyRequest) (*enclaveapi.Response, error) {
	module, err := s.registry.ModuleForLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}

	privateKey := []byte(req.PrivateKey)
	if len(privateKey) == 0 {
		if req.KeyID == "" {
			return nil, fmt.Errorf("%w: either key_id or private_key is required", core.ErrInvalidParams)
		}
		if privateKey, err = s.keys.RevealPrivateKey(req.KeyID); err != nil {
			return nil, err
		}
	}

	res, err := module.SubmitPrivateKey(ctx, req.LotID, privateKey, req.DecryptCount)
	if err != nil {
		return nil, err
	}
	if req.KeyID != "" && req.PrivateKey == "" {
		s.keys.Forget(req.KeyID)
	}
	return &enclaveapi.Response{LotID: req.LotID, Decrypt: decryptStatus(res)}, nil
}

func (s *Service) lotRequest(ctx context.Context, reqType string, req *enclaveapi.LotRequest) (*enclaveapi.Response, error) {
	module, err := s.registry.ModuleForLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}

	resp := &enclaveapi.Response{LotID: req.LotID}
	switch reqType {
	case enclaveapi.TypeDecryptBids:
		res, err := module.DecryptAndSortBids(ctx, req.LotID, req.Count)
		if err != nil {
			return nil, err
		}
		resp.Decrypt = decryptStatus(res)
	case enclaveapi.TypeSettle:
		res, err := module.Settle(ctx, req.LotID)
		if err != nil {
			return nil, err
		}
		extras := settlementExtras{failureReason: res.FailureReason}
		if extras.attestation, err = s.attestSettlement(ctx, module, req.LotID); err != nil {
			// The settlement is committed; the attestation can be produced again on get_lot.
			log.WithError(err).WithField("lot_id", req.LotID).Error("failed to attest settlement")
			resp.Message = fmt.Sprintf("settled without attestation: %v", err)
		}
		s.storeSettlement(req.LotID, extras)
		resp.Settlement = settlementView(&res.Record, extras)
	case enclaveapi.TypeAbort:
		if err := module.Abort(ctx, req.LotID); err != nil {
			return nil, err
		}
		s.storeSettlement(req.LotID, settlementExtras{failureReason: "aborted"})
	case enclaveapi.TypeGetLot:
		view, err := module.GetLot(ctx, req.LotID)
		if err != nil {
			return nil, err
		}
		resp.Lot = s.lotSummary(ctx, module, view)
	}
	return resp, nil
}

func (s *Service) claimBids(ctx context.Context, req *enclaveapi.ClaimBidsRequest) (*enclaveapi.Response, error) {
	module, err := s.registry.ModuleForLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	claims, err := module.ClaimBids(ctx, req.LotID, req.BidIDs)
	if err != nil {
		return nil, err
	}

	resp := &enclaveapi.Response{LotID: req.LotID, Claims: make([]enclaveapi.ClaimView, 0, len(claims))}
	for i := range claims {
		c := &claims[i]
		resp.Claims = append(resp.Claims, enclaveapi.ClaimView{
			BidID:  c.BidID,
			Bidder: c.Bidder,
			Won:    c.Won,
			Paid:   c.Paid.Dec(),
			Payout: c.Payout.Dec(),
			Refund: c.Refund.Dec(),
		})
	}
	return resp, nil
}

func (s *Service) claimProceeds(ctx context.Context, req *enclaveapi.ClaimProceedsRequest) (*enclaveapi.Response, error) {
	module, err := s.registry.ModuleForLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	p, err := module.ClaimProceeds(ctx, req.Caller, req.LotID)
	if err != nil {
		return nil, err
	}
	return &enclaveapi.Response{
		LotID: req.LotID,
		Proceeds: &enclaveapi.ProceedsView{
			Purchased:    p.Purchased.Dec(),
			NetPurchased: p.NetPurchased.Dec(),
			Sold:         p.Sold.Dec(),
			CuratorFee:   p.CuratorFee.Dec(),
			UnsoldRefund: p.UnsoldRefund.Dec(),
		},
	}, nil
}

func (s *Service) moduleForVeecode(veecode string) (auction.AuctionModule, error) {
	if veecode == "" {
		return s.registry.Latest(auction.KeycodeEMPA)
	}
	return s.registry.Module(auction.Veecode(veecode))
}

func (s *Service) attestSettlement(ctx context.Context, module auction.AuctionModule, lotID uint64) (enclaveapi.AttestationCOSEBase64, error) {
	view, err := module.GetLot(ctx, lotID)
	if err != nil {
		return "", err
	}
	bids, err := module.ListBids(ctx, lotID)
	if err != nil {
		return "", err
	}
	att, _, err := attestation.GenerateSettlementAttestation(s.attester, &view.Lot, &view.Data.Settlement, bids)
	if err != nil {
		return "", err
	}
	return att.EncodeBase64(), nil
}

func (s *Service) storeSettlement(lotID uint64, extras settlementExtras) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements[lotID] = extras
}

func (s *Service) settlement(lotID uint64) (settlementExtras, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	extras, ok := s.settlements[lotID]
	return extras, ok
}

// lotSummary renders a lot. Settled lots that were not attested by this process, after
// a restart or a failed attestation, are attested on demand.
func (s *Service) lotSummary(ctx context.Context, module auction.AuctionModule, view *auction.LotView) *enclaveapi.LotSummary {
	lot, data := &view.Lot, &view.Data
	summary := &enclaveapi.LotSummary{
		LotID:      lot.ID,
		Veecode:    lot.Veecode,
		Seller:     lot.Seller,
		QuoteAsset: lot.QuoteAsset,
		BaseAsset:  lot.BaseAsset,
		Start:      lot.Start,
		Conclusion: lot.Conclusion,
		Capacity:   lot.Capacity.Dec(),
		MinPrice:   data.MinPrice.Dec(),
		MinBidSize: data.MinBidSize.Dec(),
		Phase:      view.Phase,
		Status:     data.Status.String(),
		NumBids:    len(data.BidIDs),
		PublicKey:  string(data.PublicKey),
	}
	if data.Status != core.LotStatusSettled {
		return summary
	}

	extras, ok := s.settlement(lot.ID)
	if !ok && data.Aborted {
		extras = settlementExtras{failureReason: "aborted"}
	}
	if extras.attestation == "" && !data.Aborted {
		att, err := s.attestSettlement(ctx, module, lot.ID)
		if err != nil {
			log.WithError(err).WithField("lot_id", lot.ID).Warn("failed to attest settlement")
		} else {
			extras.attestation = att
			s.storeSettlement(lot.ID, extras)
		}
	}
	summary.Settlement = settlementView(&data.Settlement, extras)
	return summary
}

func settlementView(rec *core.SettlementRecord, extras settlementExtras) *enclaveapi.SettlementView {
	view := &enclaveapi.SettlementView{
		Cleared:          rec.Cleared(),
		FailureReason:    extras.failureReason,
		MarginalPrice:    rec.MarginalPrice.Dec(),
		MarginalBidID:    rec.MarginalBidID,
		TotalAmountIn:    rec.TotalAmountIn.Dec(),
		CapacityExpended: rec.CapacityExpended.Dec(),
		NumWinningBids:   rec.NumWinningBids,
		TotalPayout:      rec.TotalPayout.Dec(),
		ProtocolFee:      rec.Fees.Protocol.Dec(),
		ReferrerFee:      rec.Fees.Referrer.Dec(),
		NetToSeller:      rec.Fees.NetToSeller.Dec(),
		Attestation:      extras.attestation,
	}
	if pf := rec.PartialFill; pf != nil {
		view.PartialFill = &enclaveapi.PartialFillData{BidID: pf.BidID, Payout: pf.Payout.Dec(), Refund: pf.Refund.Dec()}
	}
	return view
}

func decryptStatus(res *auction.DecryptResult) *enclaveapi.DecryptStatus {
	return &enclaveapi.DecryptStatus{
		Decrypted:    res.Decrypted,
		Remaining:    res.Remaining,
		Complete:     res.Complete,
		ExcludedBids: res.Excluded,
	}
}

func parseAmount(field, s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %s %q: %v", core.ErrInvalidParams, field, s, err)
	}
	return *v, nil
}

func parsePercent(field, s string) (uint32, error) {
	p, err := core.ParsePercent(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", core.ErrInvalidParams, field, err)
	}
	return p, nil
}
