package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/httputil"
)

// imuSeries selects the fields drawn by /plots/imu.png.
var imuSeries = map[string]struct {
	unit   string
	names  []string
	values func(IMUPoint) []float64
}{
	"attitude": {"deg", []string{"roll", "pitch", "yaw"}, func(p IMUPoint) []float64 { return []float64{p.Roll, p.Pitch, p.Yaw} }},
	"accel":    {"g", []string{"ax", "ay", "az"}, func(p IMUPoint) []float64 { return p.Accel[:] }},
	"gyro":     {"deg/s", []string{"gx", "gy", "gz"}, func(p IMUPoint) []float64 { return p.Gyro[:] }},
	"yaw":      {"deg", []string{"yaw", "yaw (gz)"}, func(p IMUPoint) []float64 { return []float64{p.Yaw, p.YawTrace} }},
}

// IMUPlot draws one series group of points against time.
func IMUPlot(points []IMUPoint, series string) (*plot.Plot, error) {
	group, ok := imuSeries[series]
	if !ok {
		return nil, fmt.Errorf("unknown series %q", series)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("IMU %s (%d samples)", series, len(points))
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = group.unit
	p.Add(plotter.NewGrid())

	lines := make([]plotter.XYs, len(group.names))
	for i := range lines {
		lines[i] = make(plotter.XYs, len(points))
	}
	for j, pt := range points {
		for i, v := range group.values(pt) {
			lines[i][j] = plotter.XY{X: pt.Timestamp.Seconds(), Y: v}
		}
	}
	for i, name := range group.names {
		l, err := plotter.NewLine(lines[i])
		if err != nil {
			return nil, err
		}
		l.Color = plotutil.Color(i)
		l.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(name, l)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// LiDARPlot draws a scan as points in the sensor frame.
func LiDARPlot(scan agv.LiDARScan) (*plot.Plot, error) {
	pts := scan.Points()
	xys := make(plotter.XYs, len(pts))
	for i, pt := range pts {
		xys[i] = plotter.XY{X: pt.X, Y: pt.Y}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("LiDAR scan seq=%d (%d points)", scan.Seq, len(pts))
	p.X.Label.Text = "X (mm)"
	p.Y.Label.Text = "Y (mm)"
	p.Add(plotter.NewGrid())

	s, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, err
	}
	s.GlyphStyle.Color = plotutil.Color(1)
	s.GlyphStyle.Radius = vg.Points(1.5)
	s.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(s)

	_, pad := scatterData(pts)
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad
	return p, nil
}

func writePNG(w http.ResponseWriter, p *plot.Plot, width, height vg.Length) {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

// handleIMUPlot renders a PNG snapshot of recent IMU samples.
// Query params:
//
//	series (optional): attitude (default), accel, gyro or yaw
//	n (optional, default 200, max 2000)
func (ws *WebServer) handleIMUPlot(w http.ResponseWriter, r *http.Request) {
	n, err := httputil.QueryInt(r, "n", defaultLatest)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	series := r.URL.Query().Get("series")
	if series == "" {
		series = "attitude"
	}
	points := ws.hub.Latest(n)
	if len(points) == 0 {
		httputil.NotFound(w, "no imu samples buffered")
		return
	}
	p, err := IMUPlot(points, series)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	writePNG(w, p, 10*vg.Inch, 4*vg.Inch)
}

// handleLiDARPlot renders a PNG snapshot of the latest scan.
func (ws *WebServer) handleLiDARPlot(w http.ResponseWriter, r *http.Request) {
	scan, ok := ws.hub.LatestLiDAR()
	if !ok {
		httputil.NotFound(w, "no lidar scan received")
		return
	}
	p, err := LiDARPlot(scan)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	writePNG(w, p, 6*vg.Inch, 6*vg.Inch)
}
