package domain

// Atributos do protocolo de delegação consumidos pela regra.
const (
	AttrProtocolState = "protocol_state"
	AttrSASLUsername  = "sasl_username"

	StateRCPT = "RCPT"
)

type Attribute struct {
	Name  string
	Value string
}

// Request é o conjunto ordenado de atributos de uma requisição de política.
// É imutável depois de construído.
type Request struct {
	attrs []Attribute
	index map[string]int
}

// NewRequest monta uma Request preservando a ordem de chegada. Chave repetida
// mantém a posição da primeira ocorrência e o valor da última.
func NewRequest(attrs []Attribute) Request {
	r := Request{
		attrs: make([]Attribute, 0, len(attrs)),
		index: make(map[string]int, len(attrs)),
	}
	for _, a := range attrs {
		if i, ok := r.index[a.Name]; ok {
			r.attrs[i].Value = a.Value
			continue
		}
		r.index[a.Name] = len(r.attrs)
		r.attrs = append(r.attrs, a)
	}
	return r
}

func (r Request) Lookup(name string) (string, bool) {
	i, ok := r.index[name]
	if !ok {
		return "", false
	}
	return r.attrs[i].Value, true
}

func (r Request) Get(name string) string {
	v, _ := r.Lookup(name)
	return v
}

func (r Request) Len() int { return len(r.attrs) }

// Attributes devolve uma cópia dos atributos na ordem recebida.
func (r Request) Attributes() []Attribute {
	out := make([]Attribute, len(r.attrs))
	copy(out, r.attrs)
	return out
}
