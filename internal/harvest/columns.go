package harvest

// Synthetic column keys that are not extractor fields.
const (
	ColumnCode         = "code"
	ColumnStatus       = "status"
	ColumnStatusDetail = "status_detail"
	ColumnRowNum       = "row_num"
)

// Column describes one column of the output table.
type Column struct {
	Key   string
	Label string
}

// Columns is the ordered layout of the output table.
var Columns = []Column{
	{Key: ColumnCode, Label: "Code"},
	{Key: "name", Label: "Name"},
	{Key: "pricing", Label: "Price"},
	{Key: "discount", Label: "Discount"},
	{Key: "pricing_with", Label: "Price With Taxes"},
	{Key: "cofins_tax", Label: "Cofins"},
	{Key: "cofins_value", Label: "Cofins Value"},
	{Key: "difalst_tax", Label: "Difal ST"},
	{Key: "difalst_value", Label: "Difal ST Value"},
	{Key: "fecop_tax", Label: "Fecop"},
	{Key: "fecop_value", Label: "Fecop Value"},
	{Key: "icmi_value", Label: "ICMI Value"},
	{Key: "icms_tax", Label: "ICMS"},
	{Key: "icms_value", Label: "ICMS Value"},
	{Key: "ipi_tax", Label: "IPI"},
	{Key: "ipi_value", Label: "IPI Value"},
	{Key: "pis_tax", Label: "PIS"},
	{Key: "pis_value", Label: "PIS Value"},
	{Key: "st_tax", Label: "ST"},
	{Key: "st_value", Label: "ST Value"},
	{Key: "weight", Label: "Weight"},
	{Key: ColumnStatus, Label: "Status"},
	{Key: "country_of_origin", Label: "Country Of Origin"},
	{Key: "customs_tariff", Label: "Customs Tariff"},
	{Key: "possibility_to_return", Label: "Possibility To Return"},
	{Key: ColumnRowNum, Label: "Row"},
	{Key: ColumnStatusDetail, Label: "Status Detail"},
}

// ColumnIndex returns the zero-based index of key in Columns, or -1.
func ColumnIndex(key string) int {
	for i, col := range Columns {
		if col.Key == key {
			return i
		}
	}
	return -1
}

// Labels returns the header labels in column order.
func Labels() []string {
	out := make([]string, len(Columns))
	for i, col := range Columns {
		out[i] = col.Label
	}
	return out
}

// RowValues renders r in column order.
func RowValues(r Result) []string {
	out := make([]string, len(Columns))
	for i, col := range Columns {
		out[i] = r.Value(col.Key)
	}
	return out
}

// ResultFromValues rebuilds a Result from a row rendered by RowValues.
func ResultFromValues(row int, values []string) Result {
	res := Result{Row: row, Fields: map[string]string{}}
	for i, col := range Columns {
		if i >= len(values) {
			break
		}
		switch col.Key {
		case ColumnStatus:
			res.Status = Status(values[i])
		case ColumnStatusDetail:
			res.Detail = values[i]
		case ColumnRowNum:
		default:
			if values[i] != "" {
				res.Fields[col.Key] = values[i]
			}
		}
	}
	return res
}
