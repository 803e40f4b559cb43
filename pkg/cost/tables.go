package cost

// NetworkingCost is the flat networking charge added to every estimate,
// computed for a 1,000,000 image run.
const NetworkingCost = 7.00

// Price is an hourly rate in USD.
type Price struct {
	OnDemand    float64
	Preemptible float64
}

// Rate returns the rate for the given provisioning model.
func (p Price) Rate(preemptible bool) float64 {
	if preemptible {
		return p.Preemptible
	}
	return p.OnDemand
}

// InstancePrices are GCE machine type prices (as of 2019-06-17).
var InstancePrices = map[string]Price{
	"n1-standard-1":   {0.0475, 0.0100},
	"n1-standard-2":   {0.0950, 0.0200},
	"n1-standard-4":   {0.1900, 0.0400},
	"n1-standard-8":   {0.3800, 0.0800},
	"n1-standard-16":  {0.7600, 0.1600},
	"n1-standard-32":  {1.5200, 0.3200},
	"n1-standard-64":  {3.0400, 0.6400},
	"n1-standard-96":  {4.5600, 0.9600},
	"n1-highmem-2":    {0.1184, 0.0250},
	"n1-highmem-4":    {0.2368, 0.0500},
	"n1-highmem-8":    {0.4736, 0.1000},
	"n1-highmem-16":   {0.9472, 0.2000},
	"n1-highmem-32":   {1.8944, 0.4000},
	"n1-highmem-64":   {3.7888, 0.8000},
	"n1-highmem-96":   {5.6832, 1.2000},
	"n1-highcpu-2":    {0.0709, 0.0150},
	"n1-highcpu-4":    {0.1418, 0.0300},
	"n1-highcpu-8":    {0.2836, 0.0600},
	"n1-highcpu-16":   {0.5672, 0.1200},
	"n1-highcpu-32":   {1.1344, 0.2400},
	"n1-highcpu-64":   {2.2688, 0.4800},
	"n1-highcpu-96":   {3.4020, 0.7200},
	"n1-ultramem-40":  {6.3039, 1.3311},
	"n1-ultramem-80":  {12.6078, 2.6622},
	"n1-ultramem-160": {25.2156, 5.3244},
	"n1-megamem-96":   {10.6740, 2.2600},
}

// GPUPrices are per-accelerator prices.
var GPUPrices = map[string]Price{
	"nvidia-tesla-t4":   {0.95, 0.29},
	"nvidia-tesla-p4":   {0.60, 0.216},
	"nvidia-tesla-v100": {2.48, 0.74},
	"nvidia-tesla-p100": {1.46, 0.43},
	"nvidia-tesla-k80":  {0.45, 0.135},
}
