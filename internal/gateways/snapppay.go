package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/config"
	"tokopay/internal/models"
	"tokopay/pkg/logger"
)

const snappPayStateOK = "OK"

// SnappPay is the SnappPay buy-now-pay-later gateway. Verification and settlement are
// separate calls.
type SnappPay struct {
	cfg    config.SnappPayConfig
	client *providerClient
	now    func() time.Time
	log    *zap.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewSnappPay creates a SnappPay adapter.
func NewSnappPay(cfg config.SnappPayConfig, timeout time.Duration, log *zap.Logger) *SnappPay {
	log = logger.OrNop(log).Named("snapppay")
	return &SnappPay{
		cfg:    cfg,
		client: newProviderClient(SnappPayName, cfg.BaseURL, timeout, log),
		now:    time.Now,
		log:    log,
	}
}

func (s *SnappPay) Name() string          { return SnappPayName }
func (s *SnappPay) SettlesOnVerify() bool { return false }

type snappPayEnvelope struct {
	Successful bool            `json:"successful"`
	Response   json.RawMessage `json:"response"`
	ErrorData  *struct {
		ErrorCode int    `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errorData"`
}

type snappPayTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type snappPayCartItem struct {
	Amount         int64  `json:"amount"`
	Category       string `json:"category"`
	Count          int    `json:"count"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	CommissionType int    `json:"commissionType"`
}

type snappPayCart struct {
	CartID             string             `json:"cartId"`
	CartItems          []snappPayCartItem `json:"cartItems"`
	IsShipmentIncluded bool               `json:"isShipmentIncluded"`
	IsTaxIncluded      bool               `json:"isTaxIncluded"`
	ShippingAmount     int64              `json:"shippingAmount"`
	TaxAmount          int64              `json:"taxAmount"`
	TotalAmount        int64              `json:"totalAmount"`
}

type snappPayTokenRequest struct {
	Amount               int64          `json:"amount"`
	CartList             []snappPayCart `json:"cartList"`
	DiscountAmount       int64          `json:"discountAmount"`
	ExternalSourceAmount int64          `json:"externalSourceAmount"`
	Mobile               string         `json:"mobile"`
	PaymentMethodTypeDto string         `json:"paymentMethodTypeDto"`
	ReturnURL            string         `json:"returnURL"`
	TransactionID        string         `json:"transactionId"`
}

type snappPayPaymentToken struct {
	PaymentToken   string `json:"paymentToken"`
	PaymentPageURL string `json:"paymentPageUrl"`
}

type snappPayTokenRef struct {
	PaymentToken string `json:"paymentToken"`
}

type snappPayResult struct {
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
}

// token returns a cached OAuth access token, refreshing it through the password grant.
func (s *SnappPay) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && s.now().Before(s.expiresAt) {
		return s.accessToken, nil
	}
	var out snappPayTokenResponse
	resp, err := s.client.do(ctx, "oauth", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret).
			SetFormData(map[string]string{
				"grant_type": "password",
				"scope":      "online-merchant",
				"username":   s.cfg.Username,
				"password":   s.cfg.Password,
			}).
			SetResult(&out).
			Post("/api/online/v1/oauth/token")
	})
	if err != nil {
		return "", err
	}
	if resp.IsError() || out.AccessToken == "" {
		s.log.Error("snapppay rejected merchant credentials", zap.Int("status", resp.StatusCode()))
		return "", fmt.Errorf("%w: snapppay oauth status %d", apperrors.ErrTransientProvider, resp.StatusCode())
	}
	s.accessToken = out.AccessToken
	// Refresh a little early so an in-flight call never carries an expired token.
	s.expiresAt = s.now().Add(time.Duration(out.ExpiresIn)*time.Second - 30*time.Second)
	return s.accessToken, nil
}

func (s *SnappPay) dropToken() {
	s.mu.Lock()
	s.accessToken = ""
	s.mu.Unlock()
}

// call sends an authenticated request and unwraps the SnappPay response envelope into out.
func (s *SnappPay) call(ctx context.Context, op, method, path string, body any, query map[string]string, out any) ([]byte, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.do(ctx, op, func(r *resty.Request) (*resty.Response, error) {
		r.SetAuthToken(token).SetHeader("Content-Type", "application/json")
		if body != nil {
			r.SetBody(body)
		}
		if query != nil {
			r.SetQueryParams(query)
		}
		return r.Execute(method, path)
	})
	if err != nil {
		return nil, err
	}
	raw := resp.Body()
	if resp.StatusCode() == http.StatusUnauthorized {
		s.dropToken()
		return raw, fmt.Errorf("%w: snapppay %s unauthorized", apperrors.ErrTransientProvider, op)
	}

	var env snappPayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn("unreadable snapppay response", zap.String("operation", op), zap.Int("status", resp.StatusCode()))
		return raw, fmt.Errorf("%w: snapppay %s: unreadable response", apperrors.ErrTransientProvider, op)
	}
	if !env.Successful {
		code := "unknown"
		if env.ErrorData != nil {
			code = fmt.Sprintf("%d", env.ErrorData.ErrorCode)
			s.log.Info("snapppay reported failure",
				zap.String("operation", op),
				zap.Int("error_code", env.ErrorData.ErrorCode),
				zap.String("message", env.ErrorData.Message),
			)
		}
		return raw, declined(SnappPayName, op, code)
	}
	if out != nil && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return raw, fmt.Errorf("%w: snapppay %s: unexpected response shape", apperrors.ErrTransientProvider, op)
		}
	}
	return raw, nil
}

// Initiate registers the basket with SnappPay and returns its payment page.
func (s *SnappPay) Initiate(ctx context.Context, req PaymentRequest) (RedirectInstruction, error) {
	if req.Purpose == models.PurposeWalletTopUp {
		return RedirectInstruction{}, fmt.Errorf("%w: snapppay cannot fund a wallet top-up", apperrors.ErrUnsupportedOperation)
	}
	if req.Mobile == "" {
		return RedirectInstruction{}, fmt.Errorf("%w: snapppay requires a mobile number", apperrors.ErrInvalidInput)
	}

	items := make([]snappPayCartItem, 0, len(req.Items))
	var merchandise int64
	for _, item := range req.Items {
		items = append(items, snappPayCartItem{
			Amount:   item.Amount,
			Category: item.Category,
			Count:    item.Quantity,
			ID:       item.VariantID,
			Name:     item.Name,
		})
		merchandise += item.Amount * int64(item.Quantity)
	}

	var out snappPayPaymentToken
	raw, err := s.call(ctx, "token", http.MethodPost, "/api/online/payment/v1/token", snappPayTokenRequest{
		Amount: req.Amount,
		CartList: []snappPayCart{{
			CartID:             req.OrderID,
			CartItems:          items,
			IsShipmentIncluded: req.ShippingCost > 0,
			ShippingAmount:     req.ShippingCost,
			TotalAmount:        merchandise + req.ShippingCost,
		}},
		DiscountAmount:       req.DiscountTotal,
		Mobile:               req.Mobile,
		PaymentMethodTypeDto: "INSTALLMENT",
		ReturnURL:            req.CallbackURL,
		TransactionID:        req.TransactionID,
	}, nil, &out)
	if err != nil {
		return RedirectInstruction{Raw: raw}, err
	}
	return RedirectInstruction{
		Token:             req.TransactionID,
		ProviderReference: out.PaymentToken,
		URL:               out.PaymentPageURL,
		Method:            http.MethodGet,
		Raw:               raw,
	}, nil
}

// Verify confirms the installment purchase. A callback state other than OK is a decline.
func (s *SnappPay) Verify(ctx context.Context, txn *models.Transaction, raw []byte) (Verification, error) {
	cb, err := decodeRaw[SnappPayCallback](SnappPayName, raw)
	if err != nil {
		return Verification{}, err
	}
	if cb.State != snappPayStateOK {
		return Verification{ProviderStatus: cb.State}, declined(SnappPayName, "payment", cb.State)
	}
	var out snappPayResult
	body, err := s.call(ctx, "verify", http.MethodPost, "/api/online/payment/v1/verify", snappPayTokenRef{PaymentToken: txn.ProviderReference}, nil, &out)
	if err != nil {
		return Verification{Raw: body}, err
	}
	return Verification{Amount: out.Amount, ProviderStatus: "verified", ProviderReference: out.TransactionID, Raw: body}, nil
}

// Settle captures a verified purchase.
func (s *SnappPay) Settle(ctx context.Context, txn *models.Transaction) (Receipt, error) {
	return s.tokenOperation(ctx, "settle", txn)
}

// Revert reverses a verified purchase that was not settled yet.
func (s *SnappPay) Revert(ctx context.Context, txn *models.Transaction) (Receipt, error) {
	return s.tokenOperation(ctx, "revert", txn)
}

// Cancel cancels a settled purchase.
func (s *SnappPay) Cancel(ctx context.Context, txn *models.Transaction) (Receipt, error) {
	return s.tokenOperation(ctx, "cancel", txn)
}

func (s *SnappPay) tokenOperation(ctx context.Context, op string, txn *models.Transaction) (Receipt, error) {
	raw, err := s.call(ctx, op, http.MethodPost, "/api/online/payment/v1/"+op, snappPayTokenRef{PaymentToken: txn.ProviderReference}, nil, nil)
	if err != nil {
		return Receipt{Raw: raw}, err
	}
	return Receipt{ProviderStatus: op, Raw: raw}, nil
}

// InquireStatus reads the SnappPay status of the payment token.
func (s *SnappPay) InquireStatus(ctx context.Context, txn *models.Transaction) (Inquiry, error) {
	if txn.ProviderReference == "" {
		return Inquiry{State: StateUnknown}, nil
	}
	var out snappPayResult
	raw, err := s.call(ctx, "status", http.MethodGet, "/api/online/payment/v1/status", nil,
		map[string]string{"paymentToken": txn.ProviderReference}, &out)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindDeclined {
			return Inquiry{State: StateUnknown, Raw: raw}, nil
		}
		return Inquiry{}, err
	}
	return Inquiry{State: snappPayState(out.Status), ProviderStatus: out.Status, Amount: out.Amount, Raw: raw}, nil
}

func snappPayState(status string) ProviderState {
	switch status {
	case "PENDING":
		return StatePending
	case "VERIFY":
		return StateVerified
	case "SETTLE":
		return StateSettled
	case "REVERT":
		return StateReverted
	case "CANCEL":
		return StateCancelled
	case "FAILED", "EXPIRED":
		return StateFailed
	}
	return StateUnknown
}
