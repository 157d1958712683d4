package domain

// Submission is a request to run a prompt over a set of rows.
type Submission struct {
	Rows         []Row         `json:"rows"`
	Prompt       string        `json:"prompt"`
	OutputSchema []OutputField `json:"outputSchema"`
	Tools        []string      `json:"tools"`
	ArtifactType ArtifactType  `json:"artifactType,omitempty"`
	SourceURL    string        `json:"sourceUrl,omitempty"`
}

// Config converts the submission into the batch configuration stored with
// the batch.
func (s *Submission) Config(mode DispatchMode) BatchConfig {
	return BatchConfig{
		Prompt:       s.Prompt,
		OutputSchema: s.OutputSchema,
		Tools:        s.Tools,
		ArtifactType: s.ArtifactType,
		Mode:         mode,
		SourceURL:    s.SourceURL,
	}
}
