package sentiment

// Scores loosely follow the adjective polarities used by common English
// subjectivity lexicons.
var defaultLexicon = map[string]float64{
	// positive
	"amazing":     0.6,
	"awesome":     1.0,
	"beautiful":   0.85,
	"best":        1.0,
	"better":      0.5,
	"brilliant":   0.9,
	"clever":      0.5,
	"cool":        0.35,
	"delighted":   0.7,
	"enjoy":       0.4,
	"excellent":   1.0,
	"excited":     0.4,
	"exciting":    0.3,
	"fantastic":   0.4,
	"fun":         0.3,
	"glad":        0.5,
	"good":        0.7,
	"great":       0.8,
	"happy":       0.8,
	"impressive":  1.0,
	"incredible":  0.9,
	"interesting": 0.5,
	"love":        0.5,
	"loved":       0.7,
	"lovely":      0.5,
	"nice":        0.6,
	"perfect":     1.0,
	"pleased":     0.5,
	"proud":       0.8,
	"remarkable":  0.75,
	"success":     0.3,
	"successful":  0.75,
	"super":       0.33,
	"superb":      1.0,
	"thrilled":    0.8,
	"win":         0.8,
	"wonderful":   1.0,
	"wow":         0.1,
	"yes":         0.2,

	// negative
	"annoying":      -0.8,
	"awful":         -1.0,
	"bad":           -0.7,
	"boring":        -1.0,
	"broken":        -0.4,
	"confused":      -0.4,
	"confusing":     -0.5,
	"difficult":     -0.5,
	"disappointed":  -0.75,
	"disaster":      -0.8,
	"fail":          -0.5,
	"failed":        -0.5,
	"failure":       -0.3,
	"hard":          -0.3,
	"hate":          -0.8,
	"horrible":      -1.0,
	"lost":          -0.5,
	"mess":          -0.6,
	"nervous":       -0.4,
	"pain":          -0.6,
	"painful":       -0.7,
	"poor":          -0.4,
	"problem":       -0.4,
	"rough":         -0.5,
	"sad":           -0.5,
	"scared":        -0.6,
	"sorry":         -0.5,
	"stressed":      -0.6,
	"stuck":         -0.5,
	"terrible":      -1.0,
	"tired":         -0.4,
	"ugly":          -0.7,
	"unfortunately": -0.5,
	"upset":         -0.6,
	"worried":       -0.5,
	"worse":         -0.4,
	"worst":         -1.0,
	"wrong":         -0.5,
}

var defaultIntensifiers = map[string]float64{
	"absolutely": 1.3,
	"extremely":  1.5,
	"incredibly": 1.3,
	"quite":      1.1,
	"really":     1.2,
	"so":         1.3,
	"totally":    1.3,
	"truly":      1.2,
	"very":       1.3,
	"slightly":   0.5,
	"somewhat":   0.6,
	"barely":     0.4,
}

var defaultNegations = map[string]struct{}{
	"not":     {},
	"never":   {},
	"no":      {},
	"nothing": {},
	"hardly":  {},
}
