package project

// OCRBlock is one recognized text region. The block id is stable for a
// given image, so downstream stages can overwrite by (image, block).
type OCRBlock struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}
