package sqlinline

// Enqueue debits the credit estimate and inserts the pending job in one
// statement. The charged CTE returns no row when the balance is short, which
// makes the whole insert a no-op; the caller maps that onto the
// insufficient-credits error.
const QEnqueueEditJob = `--sql 8c1f4b72-0d3a-46e5-9b21-7a9e2f5c8d14
with
input as (
  select
    $1::uuid  as user_id,
    $2::text  as batch_id,
    $3::text  as model,
    $4::text  as variant,
    $5::jsonb as input_json,
    $6::text  as instruction,
    $7::jsonb as params_json,
    $8::int   as estimate,
    $9::text  as country
),
charged as (
  update users u
  set credits = u.credits - (select estimate from input),
      updated_at = now()
  where u.id = (select user_id from input)
    and u.credits >= (select estimate from input)
  returning u.id, u.credits
),
ins_job as (
  insert into edit_jobs(
    id,
    user_id,
    batch_id,
    model,
    variant,
    status,
    input_json,
    instruction,
    params_json,
    charged_credits,
    retry_count,
    country,
    created_at,
    updated_at
  )
  select
    gen_random_uuid(),
    c.id,
    nullif((select batch_id from input), ''),
    (select model from input),
    (select variant from input),
    'pending',
    (select input_json from input),
    (select instruction from input),
    (select params_json from input),
    (select estimate from input),
    0,
    nullif((select country from input), ''),
    now(),
    now()
  from charged c
  returning id
)
select j.id, c.credits
from ins_job j, charged c;
`

const QClaimJobBatch = `--sql 3e7d90a5-56cf-4d18-8f42-c61b2e84a7f9
with next_jobs as (
  select id
  from edit_jobs
  where status = 'pending'
  order by created_at asc
  for update skip locked
  limit $1::int
),
updated as (
  update edit_jobs
  set status = 'processing', started_at = now(), updated_at = now()
  where id in (select id from next_jobs)
  returning id, user_id, batch_id, model, variant, input_json, instruction,
            params_json, charged_credits, retry_count, country, created_at
)
select id, user_id, coalesce(batch_id, ''), model, variant, input_json,
       instruction, params_json, charged_credits, retry_count,
       coalesce(country, '')
from updated
order by created_at asc;
`

const QClaimJobByID = `--sql b92ac4e1-17f8-4c03-a6d5-0e84f73921c6
with target as (
  select id
  from edit_jobs
  where id = $1::uuid
    and status in ('pending', 'failed', 'timeout')
  for update skip locked
),
updated as (
  update edit_jobs
  set status = 'processing', started_at = now(),
      error_code = null, error_message = null, updated_at = now()
  where id in (select id from target)
  returning id, user_id, batch_id, model, variant, input_json, instruction,
            params_json, charged_credits, retry_count, country
)
select id, user_id, coalesce(batch_id, ''), model, variant, input_json,
       instruction, params_json, charged_credits, retry_count,
       coalesce(country, '')
from updated;
`

const QMarkJobCompleted = `--sql 5f20de83-9a46-4b7e-b1c9-d37a58e6f042
update edit_jobs
set status = 'completed',
    result_json = $2::jsonb,
    retry_count = $3::int,
    error_code = null,
    error_message = null,
    completed_at = now(),
    updated_at = now()
where id = $1::uuid;
`

const QMarkJobFailed = `--sql a6d41c9f-2e85-47b0-9c63-18f5b0a2d7e8
update edit_jobs
set status = 'failed',
    retry_count = $2::int,
    error_code = $3::text,
    error_message = $4::text,
    completed_at = now(),
    updated_at = now()
where id = $1::uuid;
`

const QSelectJobForUser = `--sql 70b5e2c8-4f91-4da6-a0d7-36c8491fb523
select
  id,
  user_id,
  coalesce(batch_id, ''),
  model,
  variant,
  status,
  input_json,
  instruction,
  params_json,
  retry_count,
  coalesce(error_code, ''),
  coalesce(error_message, ''),
  result_json,
  started_at,
  completed_at,
  created_at,
  updated_at
from edit_jobs
where id = $1::uuid
  and user_id = $2::uuid
limit 1;
`

// Stale sweep: processing rows whose attempt outlived the job budget are
// timed out so their credits can be refunded and pollers stop waiting.
const QSweepStaleJobs = `--sql e4c83f16-bd72-49a5-8e30-6a15d2c97b84
with stale as (
  select id
  from edit_jobs
  where status = 'processing'
    and started_at < now() - ($1::int * interval '1 second')
  for update skip locked
),
updated as (
  update edit_jobs
  set status = 'timeout',
      error_code = 'unexpected_error',
      error_message = 'job exceeded its processing budget',
      completed_at = now(),
      updated_at = now()
  where id in (select id from stale)
  returning id, user_id, variant, charged_credits
)
select * from updated;
`
