package torch

import (
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// general views the first rows*cols elements of data as a row-major matrix.
func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// EncoderForward writes wte[token] + wpe[position] for every (b, t) into out.
//
// Parameters:
//   - out: encoded activations (B,T,C)
//   - inp: token ids (B,T), each an index into wte
//   - wte: token embedding table (V,C)
//   - wpe: position embedding table (maxT,C)
func EncoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := out[(b*T+t)*C : (b*T+t+1)*C]
			tok := wte[int(inp[b*T+t])*C:]
			pos := wpe[t*C:]
			for i := range dst {
				dst[i] = tok[i] + pos[i]
			}
		}
	}
}

// EncoderBackward scatters dout back into the token and position embedding
// gradients. Repeated tokens accumulate.
func EncoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			d := dout[(b*T+t)*C : (b*T+t+1)*C]
			dtok := dwte[int(inp[b*T+t])*C:]
			dpos := dwpe[t*C:]
			for i, v := range d {
				dtok[i] += v
				dpos[i] += v
			}
		}
	}
}

// LayernormForward normalizes every C-vector of inp to zero mean and unit
// variance, then applies the learnable scale and shift.
// Reference: https://arxiv.org/abs/1607.06450
//
// Parameters:
//   - out: normalized activations (B,T,C)
//   - mean, rstd: per-position statistics (B,T), kept for the backward pass
//   - inp: input activations (B,T,C)
//   - weight: scale (C)
//   - bias: shift (C), or nil for a bias-free layer
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps float32 = 1e-5
	for n := 0; n < B*T; n++ {
		x := inp[n*C : (n+1)*C]
		var m float32
		for _, v := range x {
			m += v
		}
		m /= float32(C)
		var variance float32
		for _, v := range x {
			d := v - m
			variance += d * d
		}
		variance /= float32(C)
		s := 1.0 / Sqrt(variance+eps)
		o := out[n*C : (n+1)*C]
		for i, v := range x {
			o[i] = s * (v - m) * weight[i]
			if bias != nil {
				o[i] += bias[i]
			}
		}
		mean[n] = m
		rstd[n] = s
	}
}

// LayernormBackward accumulates the gradients of a layer normalization into
// dinp, dweight and dbias (dbias may be nil).
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for n := 0; n < B*T; n++ {
		d := dout[n*C : (n+1)*C]
		x := inp[n*C : (n+1)*C]
		dx := dinp[n*C : (n+1)*C]
		m, s := mean[n], rstd[n]
		var dnormMean, dnormNormMean float32
		for i := range d {
			norm := (x[i] - m) * s
			dnorm := weight[i] * d[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)
		for i := range d {
			norm := (x[i] - m) * s
			dnorm := weight[i] * d[i]
			if dbias != nil {
				dbias[i] += d[i]
			}
			dweight[i] += norm * d[i]
			dx[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
		}
	}
}

// MatmulForward computes out = inp · weightᵀ + bias.
//
// Parameters:
//   - out: (B,T,OC)
//   - inp: (B,T,C)
//   - weight: (OC,C), one row per output channel
//   - bias: (OC), or nil
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	N := B * T
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(inp, N, C), general(weight, OC, C), 0, general(out, N, OC))
	if bias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := out[n*OC : (n+1)*OC]
		for o := range row {
			row[o] += bias[o]
		}
	}
}

// MatmulBackward accumulates the gradients of MatmulForward:
//
//	dinp    += dout · weight
//	dweight += doutᵀ · inp
//	dbias   += Σ_rows dout   (skipped when dbias is nil)
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	N := B * T
	dy := general(dout, N, OC)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dy, general(weight, OC, C), 1, general(dinp, N, C))
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, dy, general(inp, N, C), 1, general(dweight, OC, C))
	if dbias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := dout[n*OC : (n+1)*OC]
		for o, v := range row {
			dbias[o] += v
		}
	}
}

// AttentionForward runs causal multi-head self-attention over the packed
// query/key/value activations.
//
// Position t can only attend to positions t2 <= t; the weights for t2 > t are
// written as zero. Scores are scaled by 1/sqrt(head size) before the softmax.
//
// Parameters:
//   - out: attention output, heads side by side (B,T,C)
//   - preatt: scaled scores before the softmax (B,NH,T,T)
//   - att: softmax weights (B,NH,T,T)
//   - inp: packed q, k, v (B,T,3C)
func AttentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Add(1)
			go func(b, h int) {
				defer wg.Done()
				for t := 0; t < T; t++ {
					query := inp[b*T*C3+t*C3+h*hs:]
					scores := preatt[b*NH*T*T+h*T*T+t*T:]
					weights := att[b*NH*T*T+h*T*T+t*T:]
					maxval := Inf(-1)
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var dot float32
						for i := 0; i < hs; i++ {
							dot += query[i] * key[i]
						}
						dot *= scale
						if dot > maxval {
							maxval = dot
						}
						scores[t2] = dot
					}
					var expsum float32
					for t2 := 0; t2 <= t; t2++ {
						e := Exp(scores[t2] - maxval)
						expsum += e
						weights[t2] = e
					}
					var inv float32
					if expsum != 0 {
						inv = 1 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							weights[t2] *= inv
						} else {
							scores[t2] = 0
							weights[t2] = 0
						}
					}
					o := out[b*T*C+t*C+h*hs : b*T*C+t*C+(h+1)*hs]
					for i := range o {
						o[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						w := weights[t2]
						for i := range o {
							o[i] += w * value[i]
						}
					}
				}
			}(b, h)
		}
	}
	wg.Wait()
}

// AttentionBackward accumulates the gradients of AttentionForward into dinp
// (packed q, k, v). dpreatt and datt are scratch buffers shaped like preatt
// and att and must be zero on entry.
func AttentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Add(1)
			// each (b, h) pair touches a disjoint slice of dinp
			go func(b, h int) {
				defer wg.Done()
				for t := 0; t < T; t++ {
					weights := att[b*NH*T*T+h*T*T+t*T:]
					dweights := datt[b*NH*T*T+h*T*T+t*T:]
					dscores := dpreatt[b*NH*T*T+h*T*T+t*T:]
					query := inp[b*T*C3+t*C3+h*hs:]
					dquery := dinp[b*T*C3+t*C3+h*hs:]
					dy := dout[b*T*C+t*C+h*hs:]
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						dvalue := dinp[b*T*C3+t2*C3+h*hs+2*C:]
						for i := 0; i < hs; i++ {
							dweights[t2] += value[i] * dy[i]
							dvalue[i] += weights[t2] * dy[i]
						}
					}
					for t2 := 0; t2 <= t; t2++ {
						for t3 := 0; t3 <= t; t3++ {
							var indicator float32
							if t2 == t3 {
								indicator = 1
							}
							dscores[t3] += weights[t2] * (indicator - weights[t3]) * dweights[t2]
						}
					}
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						dkey := dinp[b*T*C3+t2*C3+h*hs+C:]
						g := dscores[t2] * scale
						for i := 0; i < hs; i++ {
							dquery[i] += key[i] * g
							dkey[i] += query[i] * g
						}
					}
				}
			}(b, h)
		}
	}
	wg.Wait()
}

// GeluForward applies the tanh approximation of the Gaussian Error Linear
// Unit. Paper: https://arxiv.org/abs/1606.08415
func GeluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1.0 + Tanh(GELUSCALEFACTOR*(x+cube)))
	}
}

// GeluBackward accumulates the gradient of GeluForward into dinp.
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		arg := GELUSCALEFACTOR * (x + 0.044715*x*x*x)
		th := Tanh(arg)
		ch := Cosh(arg)
		sech2 := 1.0 / (ch * ch)
		local := 0.5*(1.0+th) + x*0.5*sech2*GELUSCALEFACTOR*(1.0+3.0*0.044715*x*x)
		dinp[i] += local * dout[i]
	}
}

// ResidualForward writes out = inp1 + inp2 over N elements.
func ResidualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

// ResidualBackward routes dout to both branches of a residual add.
func ResidualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// SoftmaxForward converts logits (B,T,V) into probabilities (B,T,V).
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for t := 0; t < T; t++ {
				base := (b*T + t) * V
				l := logits[base : base+V]
				p := probs[base : base+V]
				maxval := Inf(-1)
				for _, v := range l {
					if v > maxval {
						maxval = v
					}
				}
				var sum float32
				for i, v := range l {
					p[i] = Exp(v - maxval)
					sum += p[i]
				}
				for i := range p {
					p[i] /= sum
				}
			}
		}(b)
	}
	wg.Wait()
}

// CrossEntropyForward writes -log(probs[target]) for every position.
func CrossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for n := 0; n < B*T; n++ {
		losses[n] = -Log(probs[n*V+int(targets[n])])
	}
}

// CrossentropySoftmaxBackward accumulates the fused softmax + cross-entropy
// gradient (p - onehot(target)) * dloss into dlogits.
func CrossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for n := 0; n < B*T; n++ {
		dl := dlogits[n*V : (n+1)*V]
		p := probs[n*V : (n+1)*V]
		d := dlosses[n]
		target := int(targets[n])
		for i := range dl {
			var indicator float32
			if i == target {
				indicator = 1
			}
			dl[i] += (p[i] - indicator) * d
		}
	}
}
