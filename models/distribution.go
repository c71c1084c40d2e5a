package models

// Distribution aggregates the attestations of one question. Multiple-choice
// questions use Choices; free-response questions use Scores, Mean and StdDev.
type Distribution struct {
	QuestionID        string         `json:"questionId"`
	Type              QuestionType   `json:"type"`
	TotalAttestations int            `json:"totalAttestations"`
	Convergence       float64        `json:"convergence"`
	LastUpdated       int64          `json:"lastUpdated"`
	Choices           map[string]int `json:"choices,omitempty"`
	Scores            []float64      `json:"scores,omitempty"`
	Mean              float64        `json:"mean"`
	StdDev            float64        `json:"stdDev"`
}

func NewDistribution(questionID string, qtype QuestionType) *Distribution {
	d := &Distribution{
		QuestionID: questionID,
		Type:       qtype,
	}
	if qtype == MultipleChoice {
		d.Choices = make(map[string]int)
	}
	return d
}

// Clone returns a deep copy.
func (d *Distribution) Clone() *Distribution {
	c := *d
	if d.Choices != nil {
		c.Choices = make(map[string]int, len(d.Choices))
		for k, v := range d.Choices {
			c.Choices[k] = v
		}
	}
	if d.Scores != nil {
		c.Scores = append([]float64(nil), d.Scores...)
	}
	return &c
}
