package models

import "strconv"

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func formatTs(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
