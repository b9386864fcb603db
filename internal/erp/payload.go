package erp

// Line is one article in the external order system's format.
type Line struct {
	ArticleCode string `json:"codigo_articulo"`
	Units       int    `json:"unidades"`
}

// Article is the legacy line shape some callers still send. Either code
// field and either quantity field may be set.
type Article struct {
	Code        string `json:"codigo,omitempty"`
	ArticleCode string `json:"codigo_articulo,omitempty"`
	Quantity    *int   `json:"cantidad,omitempty"`
	Units       *int   `json:"unidades,omitempty"`
}

// Payload is the create-order request body.
type Payload struct {
	CustomerCode *string   `json:"codigo_cliente"`
	Series       string    `json:"serie"`
	SalesCenter  string    `json:"centro_venta"`
	Reference    string    `json:"referencia"`
	Notes        string    `json:"observaciones"`
	Lines        []Line    `json:"lineas"`
	Articles     []Article `json:"articulos,omitempty"`
}

// Normalize fills Lines from Articles when no lines were given. Lines is
// never nil afterwards.
func (p Payload) Normalize() Payload {
	if len(p.Lines) > 0 {
		return p
	}
	lines := make([]Line, 0, len(p.Articles))
	for _, a := range p.Articles {
		code := a.ArticleCode
		if code == "" {
			code = a.Code
		}
		units := 0
		switch {
		case a.Units != nil:
			units = *a.Units
		case a.Quantity != nil:
			units = *a.Quantity
		}
		lines = append(lines, Line{ArticleCode: code, Units: units})
	}
	p.Lines = lines
	return p
}
