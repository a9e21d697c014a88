package invoice

import "github.com/shopspring/decimal"

// Tolerance is the largest absolute difference still treated as a match.
var Tolerance = decimal.New(1, -2)

// Compare classifies an invoice total against the calculated total. The
// variance is invoice minus calculated, rounded to cents.
func Compare(invoiceTotal, calculatedTotal decimal.Decimal) (Outcome, decimal.Decimal) {
	diff := invoiceTotal.Sub(calculatedTotal)
	switch {
	case diff.Abs().LessThan(Tolerance):
		return OutcomeMatched, diff.Round(2)
	case diff.IsPositive():
		return OutcomeOverbilled, diff.Round(2)
	default:
		return OutcomeUnderbilled, diff.Round(2)
	}
}

// defaultDisputeAmount is the positive variance, else the invoice total.
func defaultDisputeAmount(total, variance decimal.Decimal) decimal.Decimal {
	if variance.IsPositive() {
		return variance
	}
	return total
}

func sumLines(lines []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}
