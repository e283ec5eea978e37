package mapfeed

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/rover.scan/internal/envmodel"
)

var categoryColors = map[envmodel.Category]color.RGBA{
	envmodel.Bump:                {R: 0xe4, G: 0x1a, B: 0x1c, A: 0xff},
	envmodel.Cliff:               {R: 0x98, G: 0x4e, B: 0xa3, A: 0xff},
	envmodel.Drop:                {R: 0xff, G: 0x7f, B: 0x00, A: 0xff},
	envmodel.TapeEdge:            {R: 0xa6, G: 0x56, B: 0x28, A: 0xff},
	envmodel.InfraredObservation: {R: 0x37, G: 0x7e, B: 0xb8, A: 0xff},
	envmodel.SonarObservation:    {R: 0x4d, G: 0xaf, B: 0x4a, A: 0xff},
}

var poseColor = color.RGBA{A: 0xff}

func toXYs(pts []envmodel.Point) plotter.XYs {
	xys := make(plotter.XYs, len(pts))
	for i, p := range pts {
		xys[i] = plotter.XY{X: p.X, Y: p.Y}
	}
	return xys
}

func poseXYs(poses []envmodel.Pose) plotter.XYs {
	xys := make(plotter.XYs, len(poses))
	for i, p := range poses {
		xys[i] = plotter.XY{X: p.X, Y: p.Y}
	}
	return xys
}

// RenderPNG draws every non-empty category and the pose track as a PNG.
func RenderPNG(w io.Writer, snap envmodel.Snapshot) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Environment map (update %d)", snap.Seq)
	p.X.Label.Text = "X (cm)"
	p.Y.Label.Text = "Y (cm)"
	p.Add(plotter.NewGrid())

	for _, c := range envmodel.Categories {
		pts := snap.Points[c]
		if len(pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(toXYs(pts))
		if err != nil {
			return fmt.Errorf("%s points: %w", c, err)
		}
		s.GlyphStyle.Color = categoryColors[c]
		s.GlyphStyle.Radius = vg.Points(1.5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add(string(c), s)
	}

	track, err := plotter.NewLine(poseXYs(snap.PoseHistory))
	if err != nil {
		return fmt.Errorf("pose track: %w", err)
	}
	track.Color = poseColor
	track.Width = vg.Points(1)
	poses, err := plotter.NewScatter(poseXYs(snap.PoseHistory))
	if err != nil {
		return fmt.Errorf("poses: %w", err)
	}
	poses.GlyphStyle.Color = poseColor
	poses.GlyphStyle.Shape = draw.TriangleGlyph{}
	poses.GlyphStyle.Radius = vg.Points(3)
	p.Add(track, poses)
	p.Legend.Add("rover", track, poses)
	p.Legend.Top = true

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// RenderChart builds an interactive HTML scatter chart of the map.
func RenderChart(snap envmodel.Snapshot) ([]byte, error) {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Rover map", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Environment map", Subtitle: fmt.Sprintf("update=%d poses=%d", snap.Seq, len(snap.PoseHistory))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "X (cm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Y (cm)", NameLocation: "middle", NameGap: 30}),
	)

	for _, c := range envmodel.Categories {
		pts := snap.Points[c]
		data := make([]opts.ScatterData, 0, len(pts))
		for _, p := range pts {
			data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
		}
		scatter.AddSeries(string(c), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
	poses := make([]opts.ScatterData, 0, len(snap.PoseHistory))
	for _, p := range snap.PoseHistory {
		poses = append(poses, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Heading}, Symbol: "triangle"})
	}
	scatter.AddSeries("rover", poses, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
