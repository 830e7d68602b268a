package rank

import "fmt"

func componentFromParams(p Params) (Component, error) {
	v, err := floatParam(p, paramValue)
	if err != nil {
		return Component{}, err
	}
	c, err := floatParam(p, paramCoefficient)
	if err != nil {
		return Component{}, err
	}
	return Component{Value: v, Coefficient: c}, nil
}

// subParams accepts both Params and the plain maps produced by JSON decoding.
func subParams(p Params, key string) (Params, error) {
	switch v := p[key].(type) {
	case Params:
		return v, nil
	case map[string]any:
		return Params(v), nil
	case nil:
		return nil, fmt.Errorf("missing rank param %q", key)
	default:
		return nil, fmt.Errorf("rank param %q: unexpected type %T", key, v)
	}
}

type float64er interface {
	Float64() (float64, error)
}

func floatParam(p Params, key string) (float64, error) {
	switch v := p[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64er:
		return v.Float64()
	case nil:
		return 0, fmt.Errorf("missing rank param %q", key)
	default:
		return 0, fmt.Errorf("rank param %q: unexpected type %T", key, v)
	}
}
