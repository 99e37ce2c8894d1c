package executor

// sectorMap is the static symbol-to-sector assignment used by the
// concentration check. Unknown symbols form their own sector so a basket
// of unclassified names never hides concentration.
var sectorMap = map[string]string{
	"SPY": "broad_market", "QQQ": "broad_market", "IWM": "broad_market",
	"DIA": "broad_market", "VTI": "broad_market",

	"AAPL": "technology", "MSFT": "technology", "GOOGL": "technology",
	"META": "technology", "NVDA": "technology", "AMD": "technology",
	"AVGO": "technology", "CRM": "technology", "ORCL": "technology",

	"AMZN": "consumer", "TSLA": "consumer", "HD": "consumer",
	"MCD": "consumer", "NKE": "consumer", "SBUX": "consumer",

	"JPM": "financials", "BAC": "financials", "GS": "financials",
	"MS": "financials", "WFC": "financials", "V": "financials",
	"MA": "financials",

	"XOM": "energy", "CVX": "energy", "COP": "energy", "SLB": "energy",

	"JNJ": "healthcare", "UNH": "healthcare", "PFE": "healthcare",
	"LLY": "healthcare", "ABBV": "healthcare", "MRK": "healthcare",

	"BA": "industrials", "CAT": "industrials", "DE": "industrials",
	"UPS": "industrials", "HON": "industrials",
}

// SectorOf maps a symbol to its sector.
func SectorOf(symbol string) string {
	if s, ok := sectorMap[symbol]; ok {
		return s
	}
	return "unknown:" + symbol
}
