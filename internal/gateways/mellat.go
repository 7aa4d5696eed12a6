package gateways

import (
	"context"
	"encoding/xml"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/config"
	"tokopay/internal/models"
	"tokopay/pkg/logger"
)

const (
	mellatNamespace = "http://interfaces.core.sw.bps.com/"
	soapNamespace   = "http://schemas.xmlsoap.org/soap/envelope/"

	mellatOK              = "0"
	mellatAlreadyVerified = "43"
	mellatAlreadySettled  = "45"
)

// Mellat talks to the Behpardakht Mellat bank gateway over SOAP. A successful callback is
// verified and settled in one step.
type Mellat struct {
	cfg    config.MellatConfig
	client *providerClient
	now    func() time.Time
	log    *zap.Logger
}

// NewMellat creates a Mellat adapter.
func NewMellat(cfg config.MellatConfig, timeout time.Duration, log *zap.Logger) *Mellat {
	log = logger.OrNop(log).Named("mellat")
	return &Mellat{
		cfg:    cfg,
		client: newProviderClient(MellatName, "", timeout, log),
		now:    time.Now,
		log:    log,
	}
}

func (m *Mellat) Name() string          { return MellatName }
func (m *Mellat) SettlesOnVerify() bool { return true }

type soapEnvelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	Soap    string   `xml:"xmlns:soapenv,attr"`
	Int     string   `xml:"xmlns:int,attr"`
	Body    soapBody `xml:"soapenv:Body"`
}

type soapBody struct {
	Request any
}

type mellatCredentials struct {
	TerminalID   int64  `xml:"terminalId"`
	UserName     string `xml:"userName"`
	UserPassword string `xml:"userPassword"`
}

type bpPayRequest struct {
	XMLName xml.Name `xml:"int:bpPayRequest"`
	mellatCredentials
	OrderID        int64  `xml:"orderId"`
	Amount         int64  `xml:"amount"`
	LocalDate      string `xml:"localDate"`
	LocalTime      string `xml:"localTime"`
	AdditionalData string `xml:"additionalData"`
	CallBackURL    string `xml:"callBackUrl"`
	PayerID        int64  `xml:"payerId"`
	MobileNo       string `xml:"mobileNo,omitempty"`
}

// saleRequest is the shared body of verify, settle and inquiry calls.
type saleRequest struct {
	XMLName xml.Name
	mellatCredentials
	OrderID         int64 `xml:"orderId"`
	SaleOrderID     int64 `xml:"saleOrderId"`
	SaleReferenceID int64 `xml:"saleReferenceId"`
}

type soapResponse struct {
	Body struct {
		Inner struct {
			Return string `xml:"return"`
		} `xml:",any"`
	} `xml:"Body"`
}

func (m *Mellat) credentials() mellatCredentials {
	return mellatCredentials{TerminalID: m.cfg.TerminalID, UserName: m.cfg.Username, UserPassword: m.cfg.Password}
}

// call posts a SOAP request and returns the comma separated fields of its return value.
func (m *Mellat) call(ctx context.Context, op string, request any) ([]string, []byte, error) {
	body, err := xml.Marshal(soapEnvelope{Soap: soapNamespace, Int: mellatNamespace, Body: soapBody{Request: request}})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s: %w", op, err)
	}
	resp, err := m.client.do(ctx, op, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Content-Type", "text/xml; charset=utf-8").
			SetHeader("SOAPAction", "").
			SetBody(append([]byte(xml.Header), body...)).
			Post(m.cfg.Endpoint)
	})
	if err != nil {
		return nil, nil, err
	}
	raw := resp.Body()
	var parsed soapResponse
	if err := xml.Unmarshal(raw, &parsed); err != nil || resp.IsError() {
		m.log.Warn("unexpected mellat response", zap.String("operation", op), zap.Int("status", resp.StatusCode()))
		return nil, raw, fmt.Errorf("%w: mellat %s: unreadable response", apperrors.ErrTransientProvider, op)
	}
	fields := strings.Split(strings.TrimSpace(parsed.Body.Inner.Return), ",")
	return fields, raw, nil
}

// Initiate asks the bank for a RefId the customer is sent to the payment page with.
func (m *Mellat) Initiate(ctx context.Context, req PaymentRequest) (RedirectInstruction, error) {
	if req.Amount <= 0 {
		return RedirectInstruction{}, fmt.Errorf("%w: amount must be positive", apperrors.ErrInvalidInput)
	}
	now := m.now()
	orderID := newSaleOrderID(now)
	fields, raw, err := m.call(ctx, "bpPayRequest", bpPayRequest{
		mellatCredentials: m.credentials(),
		OrderID:           orderID,
		Amount:            req.Amount,
		LocalDate:         now.Format("20060102"),
		LocalTime:         now.Format("150405"),
		AdditionalData:    req.TransactionID,
		CallBackURL:       req.CallbackURL,
		MobileNo:          req.Mobile,
	})
	if err != nil {
		return RedirectInstruction{}, err
	}
	if fields[0] != mellatOK || len(fields) < 2 || fields[1] == "" {
		m.log.Info("mellat refused payment request", zap.String("transaction_id", req.TransactionID), zap.String("code", fields[0]))
		return RedirectInstruction{Raw: raw}, declined(MellatName, "bpPayRequest", fields[0])
	}
	refID := fields[1]
	params := map[string]string{"RefId": refID}
	if req.Mobile != "" {
		params["MobileNo"] = req.Mobile
	}
	return RedirectInstruction{
		Token:             refID,
		ProviderReference: strconv.FormatInt(orderID, 10),
		URL:               m.cfg.PaymentURL,
		Method:            "POST",
		Params:            params,
		Raw:               raw,
	}, nil
}

// Verify confirms and settles the sale described by the callback. A non-zero ResCode is a
// decline reported by the bank and needs no network call.
func (m *Mellat) Verify(ctx context.Context, txn *models.Transaction, raw []byte) (Verification, error) {
	cb, err := decodeRaw[MellatCallback](MellatName, raw)
	if err != nil {
		return Verification{}, err
	}
	if cb.ResCode != mellatOK {
		return Verification{ProviderStatus: cb.ResCode}, declined(MellatName, "payment", cb.ResCode)
	}
	if strconv.FormatInt(cb.SaleOrderID, 10) != txn.ProviderReference || cb.SaleReferenceID == 0 {
		return Verification{}, fmt.Errorf("%w: mellat callback does not belong to transaction %s", apperrors.ErrPaymentDeclined, txn.ID)
	}

	fields, verifyRaw, err := m.call(ctx, "bpVerifyRequest", m.saleRequest("bpVerifyRequest", cb))
	if err != nil {
		return Verification{}, err
	}
	if fields[0] != mellatOK && fields[0] != mellatAlreadyVerified {
		return Verification{ProviderStatus: fields[0], Raw: verifyRaw}, declined(MellatName, "bpVerifyRequest", fields[0])
	}

	fields, settleRaw, err := m.call(ctx, "bpSettleRequest", m.saleRequest("bpSettleRequest", cb))
	if err != nil {
		return Verification{}, err
	}
	if fields[0] != mellatOK && fields[0] != mellatAlreadySettled {
		return Verification{ProviderStatus: fields[0], Raw: settleRaw}, declined(MellatName, "bpSettleRequest", fields[0])
	}

	amount := cb.FinalAmount
	if amount == 0 {
		// The bank only charges the amount it was asked for in bpPayRequest.
		amount = txn.Amount
	}
	return Verification{
		Amount:            amount,
		ProviderStatus:    "settled",
		ProviderReference: strconv.FormatInt(cb.SaleReferenceID, 10),
		Raw:               settleRaw,
	}, nil
}

// InquireStatus needs the sale reference from a stored callback; without it the bank
// cannot be asked and the state is unknown.
func (m *Mellat) InquireStatus(ctx context.Context, txn *models.Transaction) (Inquiry, error) {
	if txn.CallbackPayload == "" {
		return Inquiry{State: StateUnknown}, nil
	}
	cb, err := decodeRaw[MellatCallback](MellatName, []byte(txn.CallbackPayload))
	if err != nil {
		return Inquiry{}, err
	}
	if cb.SaleReferenceID == 0 {
		return Inquiry{State: StateFailed, ProviderStatus: cb.ResCode}, nil
	}
	fields, raw, err := m.call(ctx, "bpInquiryRequest", m.saleRequest("bpInquiryRequest", cb))
	if err != nil {
		return Inquiry{}, err
	}
	state := StateFailed
	if fields[0] == mellatOK {
		state = StateVerified
	}
	return Inquiry{State: state, ProviderStatus: fields[0], Amount: txn.Amount, Raw: raw}, nil
}

func (m *Mellat) saleRequest(op string, cb MellatCallback) saleRequest {
	return saleRequest{
		XMLName:           xml.Name{Local: "int:" + op},
		mellatCredentials: m.credentials(),
		OrderID:           cb.SaleOrderID,
		SaleOrderID:       cb.SaleOrderID,
		SaleReferenceID:   cb.SaleReferenceID,
	}
}

// newSaleOrderID derives the numeric order id the bank requires to be unique per terminal.
func newSaleOrderID(now time.Time) int64 {
	return now.UnixMilli()*1000 + rand.Int64N(1000)
}
