package builder

// generationPrompt walks the model through dimensional analysis, feature
// analysis, and OpenSCAD implementation, then pins the reply to a single
// JSON object so the extractor has something to work with. The wording is
// tuned to multimodal models reading technical drawings; edit with care.
const generationPrompt = `You are a CAD expert. Analyze these technical drawings and create a precise 3D model based on the provided views. Generate complete, executable OpenSCAD code.

1. DIMENSIONAL ANALYSIS:
   - Carefully measure and identify ALL critical dimensions from the images
   - Document each dimension with a clear, descriptive name
   - Include both primary and secondary feature dimensions
   - Note any relationships between dimensions
   - Consider both explicit and derived measurements
   - Pay special attention to:
     * Radii of all curved surfaces and fillets
     * Center points of circular features
     * Angular measurements for non-orthogonal features
     * Depth of hidden features

2. FEATURE ANALYSIS:
   - Identify the primary geometric forms (cylinders, cubes, etc.)
   - Document all secondary features (holes, cuts, threads, etc.)
   - Note symmetry, patterns, and relationships
   - Analyze hidden geometry:
     * Use all available views to infer hidden features
     * Cross-reference dimensions across views
     * Consider internal structures suggested by visible features
     * Look for hints of internal voids or channels
   - Curve Analysis:
     * Parameterize ALL curved surfaces with exact equations
     * Define control points for Bezier curves
     * Specify sweep paths for complex curves
     * Document curve tangency and continuity
   - Pay special attention to:
     * Feature positions and alignments
     * Thread characteristics (pitch, depth, angle)
     * Connection points and transitions
     * Surface details and finishes
     * Intersections between curved surfaces

3. OPENSCAD IMPLEMENTATION:
   - Start with clear variable definitions for ALL identified dimensions
   - Create a logical module hierarchy:
     * Base/core geometry module
     * Feature-specific modules for each major component
     * Curve generation modules using exact mathematical definitions
     * Assembly module for final composition
   - For curved features:
     * Use mathematical functions to define curves (sin, cos, etc.)
     * Implement proper sweep and extrude operations
     * Maintain tangency between curved surfaces
     * Use hull() or minkowski() for complex blends
   - For threaded features:
     * Use linear_extrude with FIXED twist value (not calculated)
     * OR use a limited for loop (max 360 steps)
     * Keep thread profile simple (2-3 points maximum)
     * Use small thread depth (0.1-0.2 times diameter)
   - Performance optimization:
     * Limit recursive operations
     * Use simple boolean operations
     * Avoid complex calculations in loops
     * Keep polygon counts reasonable
   - End with a single main() module that:
     * Takes no parameters
     * Assembles all components
     * Is called on the last line

After analysis, respond with ONLY a dictionary in this EXACT format:

{
    "openscad_code": "// Your complete OpenSCAD code here\n",
    "dimensions": {
        // ALL dimensions you identified from the images
        // Each with a descriptive name and numeric value
        // Include curve parameters and control points
        // Example: "total_height": 50.0,
        // Example: "fillet_radius": 3.0,
        // Example: "curve_control_point_1": [10.0, 5.0, 0.0]
    }
}

CRITICAL REQUIREMENTS:
1. Use DOUBLE QUOTES for all strings
2. Escape newlines with \n in OpenSCAD code
3. Include ONLY the dictionary in your response
4. Set $fn=64 for better performance
5. Use descriptive variable names
6. Include comprehensive comments
7. End with 'main();' on its own line
8. Define ALL dimensions as variables
9. Use proper modular design
10. Document ALL curve parameters
11. Cross-reference features across ALL views
12. Verify geometric continuity`
