package builder

// fallbackScript is the substitute model emitted when a reply cannot be
// turned into a compilable script. The label makes the degradation
// visible in the artifact itself.
const fallbackScript = `// Fallback model: 1x1x1 cube
$fn = 64;

module main() {
    cube([1, 1, 1]);
}

main();
`

// fallbackDimensions returns the unit cube's measurements.
func fallbackDimensions() map[string]float64 {
	return map[string]float64{
		"width":  1,
		"height": 1,
		"depth":  1,
	}
}
