package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/code"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// GenerateReceipt renders a signed receipt as a printable PDF: header,
// line items, VAT breakdown, the machine-readable QR code and the OCR
// fallback line.
func (p *Provider) GenerateReceipt(ctx context.Context, receipt receiptdomain.SignedReceipt, merchantName string) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithDimensions(80, 250).
		WithLeftMargin(5).
		WithRightMargin(5).
		WithTopMargin(5).
		Build()

	m := maroto.New(cfg)

	title := merchantName
	if title == "" {
		title = receipt.CashRegisterID
	}
	m.AddRow(12,
		text.NewCol(12, title, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Center,
		}),
	)
	m.AddRow(6,
		text.NewCol(12, fmt.Sprintf("Kasse %s  Beleg %d", receipt.CashRegisterID, receipt.ReceiptNumber), props.Text{
			Size:  8,
			Align: align.Center,
		}),
	)
	m.AddRow(6,
		text.NewCol(12, receipt.ReceiptTime.UTC().Format("02.01.2006 15:04")+" UTC", props.Text{
			Size:  8,
			Align: align.Center,
		}),
	)
	if receipt.TrainingMode {
		m.AddRow(6,
			text.NewCol(12, "TRAININGSBELEG - KEIN VERKAUF", props.Text{
				Size:  9,
				Style: fontstyle.Bold,
				Align: align.Center,
			}),
		)
	}

	var items []receiptdomain.Item
	if err := json.Unmarshal(receipt.Items, &items); err != nil {
		return nil, fmt.Errorf("receipt items: %w", err)
	}
	if len(items) > 0 {
		m.AddRow(6,
			text.NewCol(7, "Artikel", props.Text{Size: 8, Style: fontstyle.Bold}),
			text.NewCol(2, "Menge", props.Text{Size: 8, Style: fontstyle.Bold, Align: align.Right}),
			text.NewCol(3, "Betrag", props.Text{Size: 8, Style: fontstyle.Bold, Align: align.Right}),
		)
		for _, item := range items {
			m.AddRow(5,
				text.NewCol(7, item.Description, props.Text{Size: 8}),
				text.NewCol(2, fmt.Sprintf("%d", item.Quantity), props.Text{Size: 8, Align: align.Right}),
				text.NewCol(3, formatEuro(item.TotalAmount, receipt.Currency), props.Text{Size: 8, Align: align.Right}),
			)
		}
	}

	m.AddRow(8,
		text.NewCol(7, "Summe", props.Text{Size: 10, Style: fontstyle.Bold}),
		text.NewCol(5, formatEuro(receipt.TotalAmount, receipt.Currency), props.Text{
			Size:  10,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	var breakdown []receiptdomain.VatBucket
	if err := json.Unmarshal(receipt.VatBreakdown, &breakdown); err != nil {
		return nil, fmt.Errorf("receipt vat breakdown: %w", err)
	}
	for _, bucket := range breakdown {
		m.AddRow(5,
			text.NewCol(7, fmt.Sprintf("MwSt %d%%", bucket.Rate), props.Text{Size: 7}),
			text.NewCol(5, formatEuro(bucket.VatAmount, receipt.Currency), props.Text{Size: 7, Align: align.Right}),
		)
	}

	m.AddRow(40,
		col.New(2),
		code.NewQrCol(8, receipt.QRCode, props.Rect{
			Center:  true,
			Percent: 100,
		}),
		col.New(2),
	)
	m.AddRow(5,
		text.NewCol(12, receipt.OCRCode, props.Text{
			Size:  6,
			Align: align.Center,
		}),
	)
	m.AddRow(5,
		text.NewCol(12, "Signiert "+receipt.SignedAt.UTC().Format(time.RFC3339), props.Text{
			Size:  6,
			Align: align.Center,
		}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}

func formatEuro(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d,%02d %s", sign, amount/100, amount%100, currency)
}
