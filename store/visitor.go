package store

// VisitorTemplate holds the immutable description of one visitor persona type.
type VisitorTemplate struct {
	ID          string
	TemplateKey string
	Name        string
	Brief       string
	// CorePersona and ChatPrinciple override the prompt files when non-blank.
	CorePersona   string
	ChatPrinciple string
	CreatedTs     int64
	UpdatedTs     int64
}

type FindVisitorTemplate struct {
	ID          *string
	TemplateKey *string
}

// VisitorInstance binds a template to one trainee and carries the live long-term memory.
type VisitorInstance struct {
	ID             string
	UserID         string
	TemplateID     string
	LongTermMemory LongTermMemory
	CreatedTs      int64
	UpdatedTs      int64
}

type FindVisitorInstance struct {
	ID         *string
	UserID     *string
	TemplateID *string
}

type UpdateVisitorInstance struct {
	ID             string
	LongTermMemory *LongTermMemory
	UpdatedTs      int64
}
