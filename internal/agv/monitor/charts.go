package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/httputil"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

func imuLineChart(title, unit string, xs []string, names []string, series [][]float64) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "320px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit}),
	)
	line.SetXAxis(xs)
	for i, name := range names {
		data := make([]opts.LineData, len(series[i]))
		for j, v := range series[i] {
			data[j] = opts.LineData{Value: v}
		}
		line.AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line
}

// handleIMUChart renders attitude, acceleration and angular rate for the
// most recent samples.
// Query params:
//
//	n (optional, default 200, max 2000)
func (ws *WebServer) handleIMUChart(w http.ResponseWriter, r *http.Request) {
	n, err := httputil.QueryInt(r, "n", defaultLatest)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	points := ws.hub.Latest(n)

	xs := make([]string, len(points))
	attitude := make([][]float64, 4)
	accel := make([][]float64, 3)
	gyro := make([][]float64, 3)
	for i := range attitude {
		attitude[i] = make([]float64, len(points))
	}
	for i := range 3 {
		accel[i] = make([]float64, len(points))
		gyro[i] = make([]float64, len(points))
	}
	for i, p := range points {
		xs[i] = fmt.Sprintf("%.2f", p.Timestamp.Seconds())
		attitude[0][i] = p.Roll
		attitude[1][i] = p.Pitch
		attitude[2][i] = p.Yaw
		attitude[3][i] = p.YawTrace
		for axis := range 3 {
			accel[axis][i] = p.Accel[axis]
			gyro[axis][i] = p.Gyro[axis]
		}
	}

	page := components.NewPage()
	page.PageTitle = "agvlink IMU"
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(
		imuLineChart("Attitude", "deg", xs, []string{"roll", "pitch", "yaw", "yaw (gz)"}, attitude),
		imuLineChart("Acceleration", "g", xs, []string{"ax", "ay", "az"}, accel),
		imuLineChart("Angular rate", "deg/s", xs, []string{"gx", "gy", "gz"}, gyro),
	)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleLiDARChart renders the latest scan as an XY scatter in the sensor
// frame.
func (ws *WebServer) handleLiDARChart(w http.ResponseWriter, r *http.Request) {
	scan, ok := ws.hub.LatestLiDAR()
	if !ok {
		httputil.NotFound(w, "no lidar scan received")
		return
	}
	pts := scan.Points()
	data, pad := scatterData(pts)

	// Force a square plot by using equal width/height and symmetric axis ranges
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "agvlink LiDAR", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "LiDAR scan", Subtitle: fmt.Sprintf("seq=%d points=%d", scan.Seq, len(pts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (mm)", NameLocation: "middle", NameGap: 40}),
	)
	scatter.AddSeries("scan", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func scatterData(pts []agv.Point) ([]opts.ScatterData, float64) {
	data := make([]opts.ScatterData, len(pts))
	maxAbs := 0.0
	for i, p := range pts {
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y}}
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	pad := math.Ceil(maxAbs * 1.05)
	if pad == 0 {
		pad = 1000
	}
	return data, pad
}
