package receipt

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/storage"
)

//go:embed templates/receipt.html.tmpl
var templates embed.FS

// Projector renders a finalized transaction into a human-readable receipt
// document. It only accepts terminal transactions: a PENDING transaction has
// no result to certify.
type Projector struct {
	tmpl         *template.Template
	merchantName string
	supportEmail string
	location     *time.Location
}

// receiptData is the template input.
type receiptData struct {
	MerchantName     string
	SupportEmail     string
	ID               string
	Status           string
	StatusClass      string
	ReceiptNumber    string
	AmountFormatted  string
	PhoneNumber      string
	AccountReference string
	CheckoutRequestID string
	TransactionDate  string
	GeneratedAt      string
	ResultDesc       string
}

// NewProjector creates a receipt projector.
func NewProjector(merchantName, supportEmail string) (*Projector, error) {
	tmpl, err := template.ParseFS(templates, "templates/receipt.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse receipt template: %w", err)
	}

	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		loc = time.FixedZone("EAT", 3*60*60)
	}

	if merchantName == "" {
		merchantName = "M-Pesa Payments"
	}

	return &Projector{
		tmpl:         tmpl,
		merchantName: merchantName,
		supportEmail: supportEmail,
		location:     loc,
	}, nil
}

// Render produces the receipt document for a terminal transaction.
func (p *Projector) Render(tx storage.Transaction) ([]byte, error) {
	if !tx.Status.Terminal() {
		return nil, apierrors.New(apierrors.ErrCodeTransactionPending,
			"receipt unavailable until the transaction is finalized")
	}

	receiptNumber := tx.MpesaReceiptNumber
	if receiptNumber == "" {
		receiptNumber = "N/A"
	}

	data := receiptData{
		MerchantName:      p.merchantName,
		SupportEmail:      p.supportEmail,
		ID:                tx.ID,
		Status:            string(tx.Status),
		StatusClass:       strings.ToLower(string(tx.Status)),
		ReceiptNumber:     receiptNumber,
		AmountFormatted:   formatKES(tx.Amount),
		PhoneNumber:       tx.PhoneNumber,
		AccountReference:  tx.AccountReference,
		CheckoutRequestID: tx.CheckoutRequestID,
		TransactionDate:   tx.UpdatedAt.In(p.location).Format("2 January 2006 15:04:05"),
		GeneratedAt:       time.Now().In(p.location).Format("2 January 2006 15:04:05"),
		ResultDesc:        tx.ResultDesc,
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename suggests a download name based on the gateway receipt number.
func (p *Projector) Filename(tx storage.Transaction) string {
	name := tx.MpesaReceiptNumber
	if name == "" {
		name = tx.ID
	}
	return fmt.Sprintf("receipt-%s.html", name)
}

// formatKES renders a whole-shilling amount as "KES 1,250.00".
func formatKES(amount int64) string {
	digits := fmt.Sprintf("%d", amount)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return "KES " + b.String() + ".00"
}
