package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVHeader is the column layout of the supply export.
var CSVHeader = []string{"item", "category", "quantity", "unit", "priority", "incidentCount"}

// WriteCSV writes needs in table order.
func WriteCSV(w io.Writer, needs []SupplyNeed) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, n := range needs {
		unit := ""
		if n.Unit != nil {
			unit = *n.Unit
		}
		row := []string{
			n.Item,
			n.Category,
			strconv.Itoa(n.TotalQuantity),
			unit,
			string(n.Priority),
			strconv.Itoa(n.IncidentCount),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", n.Key, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
