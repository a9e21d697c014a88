package shared

import "fmt"

// CostRunKey names the single logical cost run for a warehouse and period.
// Background jobs use it as their unique task id.
func CostRunKey(warehouseID int64, period BillingPeriod) string {
	return fmt.Sprintf("costs:%d:%s:%s", warehouseID, period.Start.Format("2006-01-02"), period.End.Format("2006-01-02"))
}
