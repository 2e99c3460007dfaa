package exporter

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/YKarmar/JobFunnel/internal/report"
	"github.com/YKarmar/JobFunnel/internal/types"
)

const (
	funnelWidth  = 1400
	funnelHeight = 900
	nodeWidth    = 34
	stageGap     = 27
)

type funnelNode struct {
	label string
	value int
	x     int
	top   int
	h     int
	fill  color.RGBA

	outY int
	inY  int
}

var (
	colorApplications = color.RGBA{0xBD, 0xBD, 0xBD, 0xFF}
	colorInterviews   = color.RGBA{0x4C, 0x79, 0xA8, 0xFF}
	colorRejected     = color.RGBA{0xE1, 0x5B, 0x61, 0xFF}
	colorNoResponse   = color.RGBA{0x4A, 0x4A, 0x4A, 0xFF}
	colorRejectedLate = color.RGBA{0xD1, 0x49, 0x5B, 0xFF}
	colorOffers       = color.RGBA{0x4C, 0xAF, 0x50, 0xFF}
)

// 绘制漏斗图PNG，节点高度与数量成正比，数量为0的节点不画
func RenderFunnel(s types.Summary, edges []types.FunnelEdge) ([]byte, error) {
	value := func(src, dst string) int {
		for _, e := range edges {
			if e.Source == src && e.Target == dst {
				return e.Value
			}
		}
		return 0
	}
	interviews := value(report.NodeApplications, report.NodeInterviews)
	noResponse := value(report.NodeApplications, report.NodeNoResponse)
	rejectedDirect := value(report.NodeApplications, report.NodeRejectedDirect)
	offers := value(report.NodeInterviews, report.NodeOffers)
	rejectedLate := value(report.NodeInterviews, report.NodeRejectedAfterInterview)
	applications := max(s.Applications, interviews+noResponse+rejectedDirect)

	scale := 0.62 * funnelHeight / float64(max(applications, 1))
	height := func(v int) int { return max(int(float64(v)*scale), 2) }

	nodes := map[string]*funnelNode{}
	add := func(key, label string, v, x, top int, fill color.RGBA) {
		n := &funnelNode{label: label, value: v, x: x, top: top, h: height(v), fill: fill}
		n.outY, n.inY = n.top, n.top
		nodes[key] = n
	}

	appH := height(applications)
	add(report.NodeApplications, "Applications", applications, funnelWidth*8/100, funnelHeight/2-appH/2, colorApplications)

	stageX := funnelWidth * 40 / 100
	cursor := funnelHeight * 12 / 100
	for _, st := range []struct {
		key, label string
		v          int
		fill       color.RGBA
	}{
		{report.NodeInterviews, "Interviews", interviews, colorInterviews},
		{report.NodeRejectedDirect, "Rejected (Direct)", rejectedDirect, colorRejected},
		{report.NodeNoResponse, "No Response", noResponse, colorNoResponse},
	} {
		if st.v <= 0 {
			continue
		}
		add(st.key, st.label, st.v, stageX, cursor, st.fill)
		cursor += height(st.v) + stageGap
	}
	if iv, ok := nodes[report.NodeInterviews]; ok {
		finalX := funnelWidth * 72 / 100
		top := iv.top - stageGap
		if offers > 0 {
			add(report.NodeOffers, "Offers", offers, finalX, top, colorOffers)
			top += height(offers) + stageGap
		}
		if rejectedLate > 0 {
			add(report.NodeRejectedAfterInterview, "Rejected (After Interview)", rejectedLate, finalX, top, colorRejectedLate)
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, funnelWidth, funnelHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	for _, e := range edges {
		src, dst := nodes[e.Source], nodes[e.Target]
		if src == nil || dst == nil || e.Value <= 0 {
			continue
		}
		drawFlow(img, src, dst, int(float64(e.Value)*scale))
	}

	order := []string{
		report.NodeApplications, report.NodeInterviews, report.NodeRejectedDirect,
		report.NodeNoResponse, report.NodeOffers, report.NodeRejectedAfterInterview,
	}
	for _, key := range order {
		n, ok := nodes[key]
		if !ok {
			continue
		}
		r := image.Rect(n.x-nodeWidth/2, n.top, n.x+nodeWidth/2, n.top+n.h)
		draw.Draw(img, r, image.NewUniform(n.fill), image.Point{}, draw.Src)
		label(img, n.x+nodeWidth, n.top+n.h/2, fmt.Sprintf("%s: %d", n.label, n.value))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode funnel image: %w", err)
	}
	return buf.Bytes(), nil
}

// 从 src 右边到 dst 左边画一条厚度为 h 的平滑流向带，依次向下堆叠
func drawFlow(img draw.Image, src, dst *funnelNode, h int) {
	h = max(h, 1)
	x0, x1 := src.x+nodeWidth/2, dst.x-nodeWidth/2
	y0, y1 := src.outY, dst.inY
	src.outY += h
	dst.inY += h

	tint := blend(src.fill, dst.fill)
	paint := image.NewUniform(color.NRGBA{tint.R, tint.G, tint.B, 0x8C})
	span := float64(max(x1-x0, 1))
	for x := x0; x < x1; x++ {
		t := float64(x-x0) / span
		ease := t * t * (3 - 2*t)
		top := y0 + int(float64(y1-y0)*ease)
		draw.Draw(img, image.Rect(x, top, x+1, top+h), paint, image.Point{}, draw.Over)
	}
}

func blend(a, b color.RGBA) color.RGBA {
	return color.RGBA{
		R: uint8((int(a.R) + int(b.R)) / 2),
		G: uint8((int(a.G) + int(b.G)) / 2),
		B: uint8((int(a.B) + int(b.B)) / 2),
		A: 0xFF,
	}
}

func label(img draw.Image, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y+5),
	}
	d.DrawString(text)
}
